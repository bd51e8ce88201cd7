// Package sink persists capture records to durable storage.
//
// A Manager owns at most one open Handle at a time. Every appended record
// is flushed to the operating system, and by default synced to disk, before
// Append returns, so a crash loses at most the record in flight.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/txn2/imu-capture/pkg/reading"
)

// TimeLayout formats the ServerTime column.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Errors returned by the sink manager.
var (
	// ErrSinkUnavailable is returned when the destination cannot be created.
	ErrSinkUnavailable = errors.New("sink unavailable")

	// ErrAppendFailure is returned when a record could not be persisted.
	ErrAppendFailure = errors.New("append failure")

	// ErrAlreadyClosed is returned when using a handle after Close.
	ErrAlreadyClosed = errors.New("sink already closed")

	// ErrMirrorFailure accompanies ErrAppendFailure when the file row was
	// written but a mirror rejected it.
	ErrMirrorFailure = errors.New("mirror write failed")

	// ErrSessionMismatch is returned when a record belongs to a different
	// session than the open sink.
	ErrSessionMismatch = errors.New("record does not belong to this sink")
)

// Record is the unit persisted for every accepted datagram.
type Record struct {
	// ServerTime is when the datagram was received.
	ServerTime time.Time `json:"server_time"`

	// SessionID identifies the capture session.
	SessionID string `json:"session_id"`

	// Label is the session label at receipt time.
	Label string `json:"label"`

	// Reading is the decoded payload.
	Reading reading.Reading `json:"reading"`
}

// Row renders the record as a CSV row.
func (r Record) Row(withLabel bool) []string {
	row := make([]string, 0, reading.Arity+2)
	row = append(row, r.ServerTime.Format(TimeLayout))
	row = append(row, r.Reading.Fields()...)
	if withLabel {
		row = append(row, r.Label)
	}
	return row
}

// Header returns the CSV header row.
func Header(withLabel bool) []string {
	h := make([]string, 0, reading.Arity+2)
	h = append(h, "ServerTime")
	h = append(h, reading.Header()...)
	if withLabel {
		h = append(h, "Label")
	}
	return h
}

// RowWriter receives a copy of every record appended to a file sink.
// Implementations must be safe for use from the ingestion goroutine.
type RowWriter interface {
	WriteRecord(ctx context.Context, rec Record) error
}

// Summary describes a closed sink.
type Summary struct {
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Rows      int64     `json:"rows"`
	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `json:"closed_at"`
}
