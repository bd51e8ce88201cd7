// Package capture turns sensor datagrams into session files.
//
// The Recorder is the single owner of the capture session and its sink.
// Control surfaces and the ingestion loop reach both only through it, so
// the session lock is always taken before the sink lock.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txn2/imu-capture/pkg/archive"
	"github.com/txn2/imu-capture/pkg/journal"
	"github.com/txn2/imu-capture/pkg/live"
	"github.com/txn2/imu-capture/pkg/reading"
	"github.com/txn2/imu-capture/pkg/session"
	"github.com/txn2/imu-capture/pkg/sink"
)

// ErrNoActiveSession is returned by Stop when nothing is recording.
var ErrNoActiveSession = errors.New("no active session")

const (
	defaultFilePrefix   = "data"
	defaultQueueSize    = 64
	defaultTaskTimeout  = 2 * time.Minute
	outputDirPermission = 0o755
)

// Config configures a Recorder.
type Config struct {
	// OutputDir receives one file per session. It is created if missing.
	OutputDir string

	// FilePrefix starts every file name.
	FilePrefix string

	// DefaultLabel is the label of the first session.
	DefaultLabel string

	// MaxDuration rejects longer sessions. Zero means unlimited.
	MaxDuration time.Duration

	// QueueSize bounds pending post-session tasks.
	QueueSize int

	// TaskTimeout bounds each journal or archive task.
	TaskTimeout time.Duration
}

// Publisher receives live feed messages.
type Publisher interface {
	Publish(msg live.Message)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithJournal records session history in store.
func WithJournal(store journal.Store) Option {
	return func(r *Recorder) { r.journal = store }
}

// WithArchiver archives each finished session file.
func WithArchiver(a archive.Archiver) Option {
	return func(r *Recorder) { r.archiver = a }
}

// WithPublisher sends decoded readings and session events to p.
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.pub = p }
}

// WithClock replaces the wall clock used for sessions and receipt times.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithIDGenerator replaces the session ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Recorder) { r.newID = gen }
}

// Result is the outcome of ingesting one datagram.
type Result int

// Ingest outcomes.
const (
	ResultAppended Result = iota
	ResultDiscarded
	ResultMalformed
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultAppended:
		return "appended"
	case ResultDiscarded:
		return "discarded"
	case ResultMalformed:
		return "malformed"
	default:
		return "failed"
	}
}

// Stats are ingestion counters since process start.
type Stats struct {
	Received       int64  `json:"received"`
	Malformed      int64  `json:"malformed"`
	Discarded      int64  `json:"discarded"`
	Appended       int64  `json:"appended"`
	AppendFailures int64  `json:"append_failures"`
	MirrorFailures int64  `json:"mirror_failures"`
	Sessions       int64  `json:"sessions"`
	DroppedTasks   int64  `json:"dropped_tasks"`
	CurrentPath    string `json:"current_path,omitempty"`
	CurrentRows    int64  `json:"current_rows"`
}

type counters struct {
	received       atomic.Int64
	malformed      atomic.Int64
	discarded      atomic.Int64
	appended       atomic.Int64
	appendFailures atomic.Int64
	mirrorFailures atomic.Int64
	sessions       atomic.Int64
	droppedTasks   atomic.Int64
}

// Recorder owns the session state, the sink manager and the post-session
// pipeline.
type Recorder struct {
	cfg      Config
	state    *session.State
	sinks    *sink.Manager
	journal  journal.Store
	archiver archive.Archiver
	pub      Publisher
	now      func() time.Time
	newID    func() string

	stats counters
	tasks chan task

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// NewRecorder creates a Recorder writing through sinks.
func NewRecorder(cfg Config, sinks *sink.Manager, opts ...Option) (*Recorder, error) {
	if sinks == nil {
		return nil, fmt.Errorf("sink manager is required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if err := os.MkdirAll(cfg.OutputDir, outputDirPermission); err != nil {
		return nil, fmt.Errorf("%w: creating output directory: %w", sink.ErrSinkUnavailable, err)
	}

	r := &Recorder{
		cfg:      cfg,
		sinks:    sinks,
		journal:  journal.NewMemoryStore(),
		archiver: archive.Noop{},
		now:      time.Now,
		tasks:    make(chan task, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}

	stateOpts := []session.Option{
		session.WithClock(r.now),
		session.WithInitialLabel(cfg.DefaultLabel),
		session.OnStart(r.onSessionStart),
		session.OnEnd(r.onSessionEnd),
	}
	if r.newID != nil {
		stateOpts = append(stateOpts, session.WithIDGenerator(r.newID))
	}
	r.state = session.NewState(stateOpts...)
	return r, nil
}

// Start begins a session. A nil label keeps the current one. When a
// session is already running it is returned unchanged with started=false.
func (r *Recorder) Start(duration time.Duration, label *string) (session.Info, bool, error) {
	if r.cfg.MaxDuration > 0 && duration > r.cfg.MaxDuration {
		return session.Info{}, false, fmt.Errorf("%w: %s exceeds maximum %s",
			session.ErrInvalidDuration, duration, r.cfg.MaxDuration)
	}
	var opts []session.StartOption
	if label != nil {
		opts = append(opts, session.WithLabel(*label))
	}
	return r.state.Start(duration, opts...)
}

// Stop ends the running session.
func (r *Recorder) Stop() (session.Info, error) {
	info, ok := r.state.Stop()
	if !ok {
		return session.Info{}, ErrNoActiveSession
	}
	return info, nil
}

// SetLabel changes the label of the running session and of later ones.
func (r *Recorder) SetLabel(label string) {
	r.state.SetLabel(label)
	st := r.state.Snapshot()
	r.publish(live.Message{
		Type:      live.TypeSession,
		Time:      r.now(),
		SessionID: st.ID,
		Label:     st.Label,
		Active:    st.Active,
		Event:     "label",
	})
	slog.Info("label changed", "label", label, "session_id", st.ID)
}

// Status returns the current session status.
func (r *Recorder) Status() session.Status {
	return r.state.Snapshot()
}

// Remaining renders the time left in the running session as "Xm Ys".
func (r *Recorder) Remaining() string {
	return session.FormatRemaining(r.state.Snapshot().RemainingSeconds())
}

// Stats returns a snapshot of the ingestion counters.
func (r *Recorder) Stats() Stats {
	s := Stats{
		Received:       r.stats.received.Load(),
		Malformed:      r.stats.malformed.Load(),
		Discarded:      r.stats.discarded.Load(),
		Appended:       r.stats.appended.Load(),
		AppendFailures: r.stats.appendFailures.Load(),
		MirrorFailures: r.stats.mirrorFailures.Load(),
		Sessions:       r.stats.sessions.Load(),
		DroppedTasks:   r.stats.droppedTasks.Load(),
	}
	if h := r.sinks.Current(); h != nil {
		s.CurrentPath = h.Path()
		s.CurrentRows = h.Rows()
	}
	return s
}

// History lists past and running sessions, newest first.
func (r *Recorder) History(ctx context.Context, f journal.Filter) ([]journal.Entry, error) {
	entries, err := r.journal.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing session history: %w", err)
	}
	return entries, nil
}

// Ingest handles one datagram received from addr.
func (r *Recorder) Ingest(ctx context.Context, payload []byte, addr net.Addr) Result {
	received := r.now()
	r.stats.received.Add(1)

	rd, err := reading.Decode(payload)
	if err != nil {
		r.stats.malformed.Add(1)
		slog.Warn("discarding malformed datagram", "from", addrString(addr), "error", err)
		return ResultMalformed
	}

	st := r.state.Snapshot()
	r.publish(live.Message{
		Type:      live.TypeReading,
		Time:      received,
		SessionID: st.ID,
		Label:     st.Label,
		Active:    st.Active,
		Reading:   &rd,
	})

	if !st.Active {
		r.stats.discarded.Add(1)
		slog.Debug("no active session, datagram discarded", "from", addrString(addr))
		return ResultDiscarded
	}

	h := r.sinks.Current()
	if h == nil {
		r.stats.appendFailures.Add(1)
		slog.Debug("session ended before append", "session_id", st.ID)
		return ResultFailed
	}

	rec := sink.Record{ServerTime: received, SessionID: st.ID, Label: st.Label, Reading: rd}
	err = r.sinks.Append(ctx, h, rec)
	switch {
	case err == nil:
	case errors.Is(err, sink.ErrMirrorFailure):
		r.stats.mirrorFailures.Add(1)
		slog.Error("mirroring reading failed", "session_id", st.ID, "error", err)
	case errors.Is(err, sink.ErrAlreadyClosed), errors.Is(err, sink.ErrSessionMismatch):
		r.stats.appendFailures.Add(1)
		slog.Debug("session ended before append", "session_id", st.ID, "error", err)
		return ResultFailed
	default:
		r.stats.appendFailures.Add(1)
		slog.Error("appending reading failed", "session_id", st.ID, "path", h.Path(), "error", err)
		return ResultFailed
	}

	r.stats.appended.Add(1)
	slog.Debug("reading appended",
		"from", addrString(addr),
		"session_id", st.ID,
		"device_ms", rd.DeviceMS,
		"label", st.Label,
	)
	return ResultAppended
}

// onSessionStart opens the sink for a new session. It runs under the
// session lock, so a failure here keeps the session inactive.
func (r *Recorder) onSessionStart(info session.Info) error {
	path, err := sink.NextPath(r.cfg.OutputDir, r.cfg.FilePrefix, info.StartedAt)
	if err != nil {
		return err
	}
	if _, err := r.sinks.Open(path, info.ID); err != nil {
		return err
	}

	r.stats.sessions.Add(1)
	slog.Info("session started",
		"session_id", info.ID,
		"label", info.Label,
		"duration", info.Duration,
		"path", path,
	)
	r.enqueue(task{kind: taskBegin, info: info, path: path})
	r.publish(live.Message{
		Type: live.TypeSession, Time: info.StartedAt, SessionID: info.ID,
		Label: info.Label, Active: true, Event: "started",
	})
	return nil
}

// onSessionEnd closes the session's sink. It runs under the session lock.
func (r *Recorder) onSessionEnd(info session.Info, reason session.EndReason) {
	endedAt := r.now()
	var sum sink.Summary
	if h := r.sinks.Current(); h != nil && h.SessionID() == info.ID {
		var err error
		sum, err = r.sinks.Close(h)
		if err != nil {
			slog.Error("closing session sink failed", "session_id", info.ID, "error", err)
		}
	}

	slog.Info("session ended",
		"session_id", info.ID,
		"reason", string(reason),
		"rows", sum.Rows,
		"path", sum.Path,
	)
	r.enqueue(task{kind: taskFinish, info: info, reason: reason, summary: sum, endedAt: endedAt})
	r.publish(live.Message{
		Type: live.TypeSession, Time: endedAt, SessionID: info.ID,
		Label: info.Label, Active: false, Event: string(reason),
	})
}

func (r *Recorder) publish(msg live.Message) {
	if r.pub != nil {
		r.pub.Publish(msg)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
