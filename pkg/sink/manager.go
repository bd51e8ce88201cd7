package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	defaultFileMode      os.FileMode = 0o644
	defaultMirrorTimeout             = 5 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Labels adds the Label column.
	Labels bool

	// Fsync syncs the file after every row. When false rows are still
	// flushed to the operating system before Append returns.
	Fsync bool

	// FileMode is the permission of created files.
	FileMode os.FileMode

	// Mirrors receive every appended record after it reached the file.
	Mirrors []RowWriter

	// MirrorTimeout bounds each mirror write. Defaults to 5s.
	MirrorTimeout time.Duration
}

// Manager owns the lifecycle of file sinks.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	current *Handle
	now     func() time.Time
}

// NewManager creates a sink manager.
func NewManager(cfg Config) *Manager {
	if cfg.FileMode == 0 {
		cfg.FileMode = defaultFileMode
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = defaultMirrorTimeout
	}
	return &Manager{cfg: cfg, now: time.Now}
}

// Handle is an open file sink. File writes and Close on the same handle
// are serialized by its mutex. Mirror writes run outside it.
type Handle struct {
	mu sync.Mutex

	path      string
	sessionID string
	openedAt  time.Time

	file    *os.File
	w       *csv.Writer
	labels  bool
	fsync   bool
	mirrors []RowWriter
	timeout time.Duration

	rows   int64
	closed bool
}

// Path returns the file path.
func (h *Handle) Path() string { return h.path }

// SessionID returns the session the sink belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// Rows returns the number of rows appended so far.
func (h *Handle) Rows() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rows
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Open creates the file at path, writes the header and makes it the
// current sink.
func (m *Manager) Open(path, sessionID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, fmt.Errorf("%w: %s is still open", ErrSinkUnavailable, m.current.path)
	}

	// #nosec G304 -- path is built by the recorder from the configured output dir
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, m.cfg.FileMode)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrSinkUnavailable, path, err)
	}

	h := &Handle{
		path:      path,
		sessionID: sessionID,
		openedAt:  m.now(),
		file:      f,
		w:         csv.NewWriter(f),
		labels:    m.cfg.Labels,
		fsync:     m.cfg.Fsync,
		mirrors:   m.cfg.Mirrors,
		timeout:   m.cfg.MirrorTimeout,
	}

	if err := h.writeRow(Header(h.labels)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: writing header to %s: %w", ErrSinkUnavailable, path, err)
	}

	m.current = h
	slog.Info("sink opened", "path", path, "session_id", sessionID)
	return h, nil
}

// Current returns the open sink, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Append persists one record. The row is durable when Append returns nil.
// Mirror failures are reported but do not undo the file row. Mirrors are
// called after the handle lock is released, each bounded by MirrorTimeout,
// so a stalled mirror never delays Close.
func (*Manager) Append(ctx context.Context, h *Handle, rec Record) error {
	mirrors, timeout, err := h.writeRecord(rec)
	if err != nil {
		return err
	}

	var errs []error
	for _, mirror := range mirrors {
		if err := writeMirror(ctx, mirror, rec, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w: %w", ErrAppendFailure, ErrMirrorFailure, errors.Join(errs...))
	}
	return nil
}

// writeRecord writes the file row under h.mu and returns the mirrors to call.
func (h *Handle) writeRecord(rec Record) ([]RowWriter, time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, 0, fmt.Errorf("%w: %s", ErrAlreadyClosed, h.path)
	}
	if rec.SessionID != h.sessionID {
		return nil, 0, fmt.Errorf("%w: record session %q, sink session %q", ErrSessionMismatch, rec.SessionID, h.sessionID)
	}

	if err := h.writeRow(rec.Row(h.labels)); err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrAppendFailure, h.path, err)
	}
	h.rows++
	return h.mirrors, h.timeout, nil
}

func writeMirror(ctx context.Context, mirror RowWriter, rec Record, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return mirror.WriteRecord(ctx, rec)
}

// Close flushes and closes the sink. Closing twice returns ErrAlreadyClosed.
func (m *Manager) Close(h *Handle) (Summary, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: %s", ErrAlreadyClosed, h.path)
	}
	h.closed = true

	h.w.Flush()
	var errs []error
	if err := h.w.Error(); err != nil {
		errs = append(errs, fmt.Errorf("flushing: %w", err))
	}
	if err := h.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing: %w", err))
	}
	if err := h.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing: %w", err))
	}
	sum := Summary{
		SessionID: h.sessionID,
		Path:      h.path,
		Rows:      h.rows,
		OpenedAt:  h.openedAt,
		ClosedAt:  m.now(),
	}
	h.mu.Unlock()

	m.mu.Lock()
	if m.current == h {
		m.current = nil
	}
	m.mu.Unlock()

	slog.Info("sink closed", "path", sum.Path, "session_id", sum.SessionID, "rows", sum.Rows)
	if len(errs) > 0 {
		return sum, fmt.Errorf("closing sink %s: %w", h.path, errors.Join(errs...))
	}
	return sum, nil
}

// writeRow writes and flushes one row; the caller holds h.mu or owns h.
func (h *Handle) writeRow(row []string) error {
	if err := h.w.Write(row); err != nil {
		return fmt.Errorf("writing row: %w", err)
	}
	h.w.Flush()
	if err := h.w.Error(); err != nil {
		return fmt.Errorf("flushing row: %w", err)
	}
	if h.fsync {
		if err := h.file.Sync(); err != nil {
			return fmt.Errorf("syncing: %w", err)
		}
	}
	return nil
}
