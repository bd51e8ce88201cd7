package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StartHook runs under the state lock before a new session becomes visible.
// Returning an error aborts the start and leaves the state inactive.
type StartHook func(Info) error

// EndHook runs under the state lock right after a session becomes inactive.
type EndHook func(Info, EndReason)

// State is the single process-wide capture session. Every method is atomic
// with respect to every other; expiry is detected lazily by Snapshot.
type State struct {
	mu sync.Mutex

	active    bool
	id        string
	startedAt time.Time
	duration  time.Duration
	label     string

	now     func() time.Time
	newID   func() string
	onStart StartHook
	onEnd   EndHook
}

// Option configures a State.
type Option func(*State)

// WithClock replaces the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithIDGenerator replaces the session ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *State) { s.newID = gen }
}

// WithInitialLabel sets the label the first session starts with.
func WithInitialLabel(label string) Option {
	return func(s *State) { s.label = label }
}

// OnStart registers the start hook.
func OnStart(h StartHook) Option {
	return func(s *State) { s.onStart = h }
}

// OnEnd registers the end hook.
func OnEnd(h EndHook) Option {
	return func(s *State) { s.onEnd = h }
}

// NewState creates an inactive session state.
func NewState(opts ...Option) *State {
	s := &State{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartOption adjusts a single Start call.
type StartOption func(*startParams)

type startParams struct {
	label    string
	hasLabel bool
}

// WithLabel sets the label of the new session. Without it the current label
// carries forward.
func WithLabel(label string) StartOption {
	return func(p *startParams) {
		p.label = label
		p.hasLabel = true
	}
}

// Start begins a session of the given duration. When a session is already
// active nothing changes and the existing session is returned with
// started=false.
func (s *State) Start(duration time.Duration, opts ...StartOption) (Info, bool, error) {
	if duration <= 0 {
		return Info{}, false, fmt.Errorf("%w: %s", ErrInvalidDuration, duration)
	}

	var p startParams
	for _, opt := range opts {
		opt(&p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)
	if s.active {
		return s.infoLocked(), false, nil
	}

	label := s.label
	if p.hasLabel {
		label = p.label
	}
	next := Info{
		ID:        s.newID(),
		Label:     label,
		StartedAt: now,
		Duration:  duration,
	}

	if s.onStart != nil {
		if err := s.onStart(next); err != nil {
			return Info{}, false, err
		}
	}

	s.active = true
	s.id = next.ID
	s.startedAt = next.StartedAt
	s.duration = next.Duration
	s.label = next.Label
	return next, true, nil
}

// Stop ends the active session. It is a no-op when idle and reports whether
// a session was ended.
func (s *State) Stop() (Info, bool) {
	return s.StopWith(ReasonStopped)
}

// StopWith ends the active session with an explicit reason.
func (s *State) StopWith(reason EndReason) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireLocked(s.now()) || !s.active {
		return Info{}, false
	}
	info := s.infoLocked()
	s.endLocked(reason)
	return info, true
}

// SetLabel replaces the label. It applies to the running session, if any,
// and carries into the next one.
func (s *State) SetLabel(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
}

// Label returns the current label.
func (s *State) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Snapshot returns a consistent copy of the state. A session whose deadline
// has passed is ended here, before the copy is taken.
func (s *State) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	st := Status{Label: s.label}
	if !s.active {
		return st
	}
	st.Active = true
	st.ID = s.id
	st.StartedAt = s.startedAt
	st.Duration = s.duration
	st.Remaining = s.startedAt.Add(s.duration).Sub(now)
	return st
}

// expireLocked ends the session if its deadline has passed and reports
// whether it did.
func (s *State) expireLocked(now time.Time) bool {
	if !s.active || now.Before(s.startedAt.Add(s.duration)) {
		return false
	}
	s.endLocked(ReasonExpired)
	return true
}

func (s *State) endLocked(reason EndReason) {
	info := s.infoLocked()
	s.active = false
	s.id = ""
	s.startedAt = time.Time{}
	s.duration = 0
	if s.onEnd != nil {
		s.onEnd(info, reason)
	}
}

func (s *State) infoLocked() Info {
	return Info{ID: s.id, Label: s.label, StartedAt: s.startedAt, Duration: s.duration}
}
