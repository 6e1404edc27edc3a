package audit

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"bot-orchestrator-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// SQLiteLog persists the audit trail in SQLite. The table is guarded by triggers so
// that rows can only ever be inserted.
type SQLiteLog struct {
	mu  sync.Mutex
	db  *sql.DB
	seq sequencer
	n   int
}

// OpenSQLite opens (or creates) the audit database and resumes the sequence.
func OpenSQLite(dataSourceName string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit tables: %w", err)
	}

	l := &SQLiteLog{db: db, seq: sequencer{now: time.Now}}
	var maxSeq sql.NullInt64
	var maxTS sql.NullInt64
	var count int
	if err := db.QueryRow(`SELECT MAX(seq), MAX(ts), COUNT(*) FROM audit_log`).Scan(&maxSeq, &maxTS, &count); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read audit sequence: %w", err)
	}
	if maxSeq.Valid {
		l.seq.seq = uint64(maxSeq.Int64)
	}
	if maxTS.Valid {
		l.seq.last = time.Unix(0, maxTS.Int64).UTC()
	}
	l.n = count
	return l, nil
}

func createTables(db *sql.DB) error {
	createAuditTableSQL := `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		ts INTEGER NOT NULL,
		bot_id TEXT NOT NULL,
		action TEXT NOT NULL,
		side TEXT NOT NULL,
		asset TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		funding_asset TEXT NOT NULL,
		funding_qty REAL NOT NULL,
		outcome TEXT NOT NULL,
		rule TEXT NOT NULL,
		class TEXT NOT NULL,
		rationale TEXT NOT NULL,
		realized_pnl REAL NOT NULL
	);`
	if _, err := db.Exec(createAuditTableSQL); err != nil {
		return err
	}

	guards := []string{
		`CREATE INDEX IF NOT EXISTS audit_log_bot ON audit_log (bot_id, seq);`,
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
		BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
		BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;`,
	}
	for _, stmt := range guards {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (l *SQLiteLog) Append(e models.AuditEntry) (models.AuditEntry, error) {
	if err := validate(e); err != nil {
		return models.AuditEntry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.seq
	l.seq.stamp(&e)

	query := `
	INSERT INTO audit_log (seq, id, ts, bot_id, action, side, asset, quantity, price, funding_asset, funding_qty, outcome, rule, class, rationale, realized_pnl)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.Exec(query,
		int64(e.Seq), e.ID, e.Timestamp.UnixNano(), e.BotID, string(e.Action), string(e.Side), e.Asset,
		e.Quantity, e.Price, e.FundingAsset, e.FundingQty, string(e.Outcome), e.Rule, string(e.Class),
		e.Rationale, e.RealizedPnL,
	)
	if err != nil {
		l.seq = prev
		return models.AuditEntry{}, fmt.Errorf("failed to insert audit entry %d: %w", e.Seq, err)
	}
	l.n++
	return e, nil
}

const selectColumns = `SELECT seq, id, ts, bot_id, action, side, asset, quantity, price, funding_asset, funding_qty, outcome, rule, class, rationale, realized_pnl FROM audit_log`

func (l *SQLiteLog) Query(f models.AuditFilter) ([]models.AuditEntry, error) {
	var where []string
	var args []interface{}
	if f.BotID != "" {
		where = append(where, "bot_id = ?")
		args = append(args, f.BotID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.To.UnixNano())
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	entries, err := l.scan(query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (l *SQLiteLog) All() ([]models.AuditEntry, error) {
	return l.scan(selectColumns + " ORDER BY seq ASC")
}

func (l *SQLiteLog) scan(query string, args ...interface{}) ([]models.AuditEntry, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var seq, ts int64
		if err := rows.Scan(
			&seq, &e.ID, &ts, &e.BotID, &e.Action, &e.Side, &e.Asset, &e.Quantity, &e.Price,
			&e.FundingAsset, &e.FundingQty, &e.Outcome, &e.Rule, &e.Class, &e.Rationale, &e.RealizedPnL,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Seq = uint64(seq)
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *SQLiteLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
