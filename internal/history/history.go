// Package history persists the utterances committed by live sessions.
//
// A [Store] receives one [Record] per committed turn entry, in commit order,
// and can return a session's transcript or search across sessions. [Memory]
// is the in-process implementation; package postgres provides a durable one.
package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/live"
)

// ErrInvalidRecord is returned by Append for a record without a session ID
// or text.
var ErrInvalidRecord = errors.New("history: record needs session id and text")

// Record is one committed utterance of a live session.
type Record struct {
	SessionID string
	// Seq is the entry's position within its session, starting at 0.
	Seq  int
	Role live.Speaker
	Text string
	At   time.Time
}

// Store persists transcript records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append stores rec.
	Append(ctx context.Context, rec Record) error

	// Session returns every record of sessionID ordered by Seq.
	Session(ctx context.Context, sessionID string) ([]Record, error)

	// Search returns records whose text matches query, oldest first. A limit
	// of zero or less means no limit.
	Search(ctx context.Context, query string, limit int) ([]Record, error)
}

// Validate reports whether rec can be stored.
func Validate(rec Record) error {
	if rec.SessionID == "" || strings.TrimSpace(rec.Text) == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Memory is an in-memory [Store]. Search is a case-insensitive substring
// match.
type Memory struct {
	mu      sync.RWMutex
	records []Record
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory { return &Memory{} }

// Append implements [Store].
func (m *Memory) Append(_ context.Context, rec Record) error {
	if err := Validate(rec); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Session implements [Store].
func (m *Memory) Session(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Record{}
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Search implements [Store].
func (m *Memory) Search(_ context.Context, query string, limit int) ([]Record, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Record{}
	if q == "" {
		return out, nil
	}
	for _, r := range m.records {
		if strings.Contains(strings.ToLower(r.Text), q) {
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
