// Package archive copies finished session files to long-term storage.
package archive

import (
	"context"
	"errors"
)

// ErrArchive wraps every archival failure.
var ErrArchive = errors.New("archive failed")

// Archiver stores a finished session file and returns its object key.
type Archiver interface {
	Archive(ctx context.Context, sessionID, path string) (string, error)
	Name() string
}

// Noop is used when archival is disabled.
type Noop struct{}

// Archive does nothing and returns an empty key.
func (Noop) Archive(context.Context, string, string) (string, error) { return "", nil }

// Name returns the archiver name.
func (Noop) Name() string { return "noop" }
