// Package audit is the append-only decision trail. Every admission, simulated or
// executed trade, rejection and deposit becomes one entry; entries are never updated
// or deleted.
package audit

import (
	"errors"
	"fmt"
	"time"

	"bot-orchestrator-go/internal/models"

	"github.com/jxskiss/base62"
)

// ErrInvalidEntry is returned when an entry misses a required field.
var ErrInvalidEntry = errors.New("invalid audit entry")

// Log is an append-only audit store. Append assigns Seq, ID and a timestamp strictly
// greater than the previous entry's, and returns the stored entry.
//
// Query returns matching entries in ascending order. With a Limit it returns the
// most recent Limit matches, still ascending.
type Log interface {
	Append(e models.AuditEntry) (models.AuditEntry, error)
	Query(f models.AuditFilter) ([]models.AuditEntry, error)
	All() ([]models.AuditEntry, error)
	Len() int
	Close() error
}

type sequencer struct {
	seq  uint64
	last time.Time
	now  func() time.Time
}

func (s *sequencer) stamp(e *models.AuditEntry) {
	s.seq++
	e.Seq = s.seq
	e.ID = string(base62.FormatUint(s.seq))
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.Round(0).UTC()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
	}
	s.last = ts
	e.Timestamp = ts
}

func validate(e models.AuditEntry) error {
	switch {
	case e.BotID == "":
		return fmt.Errorf("%w: bot id is required", ErrInvalidEntry)
	case e.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidEntry)
	case e.Outcome == "":
		return fmt.Errorf("%w: outcome is required", ErrInvalidEntry)
	case e.Rationale == "":
		return fmt.Errorf("%w: rationale is required", ErrInvalidEntry)
	case e.Outcome == models.OutcomeRejected && e.Rule == "":
		return fmt.Errorf("%w: rejected entries must name the rule", ErrInvalidEntry)
	}
	return nil
}

func tail(entries []models.AuditEntry, limit int) []models.AuditEntry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}
