// Package journal records the history of capture sessions.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no entry exists for an ID.
var ErrNotFound = errors.New("journal entry not found")

const (
	// DefaultLimit caps List when the filter has no limit.
	DefaultLimit = 100

	// MaxLimit is the largest accepted filter limit.
	MaxLimit = 1000
)

// Entry describes one capture session.
type Entry struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Path       string        `json:"path"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	EndReason  string        `json:"end_reason,omitempty"`
	Rows       int64         `json:"rows"`
	ArchiveKey string        `json:"archive_key,omitempty"`
}

// Ended reports whether the session has finished.
func (e Entry) Ended() bool { return e.EndedAt != nil }

// Completion carries what is known when a session ends.
type Completion struct {
	ID      string
	EndedAt time.Time
	Reason  string
	Rows    int64
}

// Filter narrows List results.
type Filter struct {
	Label  string
	Since  *time.Time
	Limit  int
	Offset int
}

// EffectiveLimit returns the limit to apply.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

// Store persists journal entries.
type Store interface {
	// Begin records a started session.
	Begin(ctx context.Context, e Entry) error

	// Finish marks a session ended.
	Finish(ctx context.Context, c Completion) error

	// SetArchive records where the session file was archived.
	SetArchive(ctx context.Context, id, key string) error

	// Get returns one entry or ErrNotFound.
	Get(ctx context.Context, id string) (Entry, error)

	// List returns entries newest first.
	List(ctx context.Context, f Filter) ([]Entry, error)

	// Close releases resources held by the store.
	Close() error
}
