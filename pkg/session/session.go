// Package session holds the capture session state machine.
// It defines the State type that tracks whether a bounded capture window is
// active, and the Info and Status values through which callers observe it.
package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDuration is returned when a session is started without a
// positive duration.
var ErrInvalidDuration = errors.New("session duration must be positive")

// EndReason describes why a session became inactive.
type EndReason string

// End reasons.
const (
	ReasonStopped  EndReason = "stopped"
	ReasonExpired  EndReason = "expired"
	ReasonShutdown EndReason = "shutdown"
)

// Info describes one capture session.
type Info struct {
	// ID is the unique session identifier.
	ID string `json:"id"`

	// Label is the session label at the time Info was taken.
	Label string `json:"label"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the configured length of the session.
	Duration time.Duration `json:"duration"`
}

// Deadline returns the instant the session expires.
func (i Info) Deadline() time.Time {
	return i.StartedAt.Add(i.Duration)
}

// Status is a consistent point-in-time view of the session state.
type Status struct {
	Active    bool          `json:"active"`
	ID        string        `json:"id,omitempty"`
	Label     string        `json:"label"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// RemainingSeconds returns the remaining time rounded up to whole seconds.
// It is zero exactly when the session is inactive.
func (s Status) RemainingSeconds() int64 {
	if !s.Active || s.Remaining <= 0 {
		return 0
	}
	secs := int64(s.Remaining / time.Second)
	if s.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// Info returns the session description carried by the status.
func (s Status) Info() Info {
	return Info{ID: s.ID, Label: s.Label, StartedAt: s.StartedAt, Duration: s.Duration}
}

// FormatRemaining renders a second count as "Xm Ys".
func FormatRemaining(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}
