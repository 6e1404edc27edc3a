package audit

import (
	"sync"
	"time"

	"bot-orchestrator-go/internal/models"
)

// MemoryLog keeps the audit trail in memory. It is used when no database is configured
// and in tests.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     sequencer
	entries []models.AuditEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{seq: sequencer{now: time.Now}}
}

func (l *MemoryLog) Append(e models.AuditEntry) (models.AuditEntry, error) {
	if err := validate(e); err != nil {
		return models.AuditEntry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq.stamp(&e)
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *MemoryLog) Query(f models.AuditFilter) ([]models.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.AuditEntry
	for _, e := range l.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return tail(out, f.Limit), nil
}

func (l *MemoryLog) All() ([]models.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]models.AuditEntry(nil), l.entries...), nil
}

func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *MemoryLog) Close() error { return nil }
