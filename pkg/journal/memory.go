package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps the journal in process memory. It is used when no
// database is configured, so history does not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Begin records a started session.
func (s *MemoryStore) Begin(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("journal entry %s already exists", e.ID)
	}
	s.entries[e.ID] = e
	return nil
}

// Finish marks a session ended.
func (s *MemoryStore) Finish(_ context.Context, c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	endedAt := c.EndedAt
	e.EndedAt = &endedAt
	e.EndReason = c.Reason
	e.Rows = c.Rows
	s.entries[c.ID] = e
	return nil
}

// SetArchive records the archive key of a session.
func (s *MemoryStore) SetArchive(_ context.Context, id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.ArchiveKey = key
	s.entries[id] = e
	return nil
}

// Get returns one entry.
func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// List returns entries newest first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Label != "" && e.Label != f.Label {
			continue
		}
		if f.Since != nil && e.StartedAt.Before(*f.Since) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Entry{}, nil
		}
		out = out[f.Offset:]
	}
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (*MemoryStore) Close() error { return nil }

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
