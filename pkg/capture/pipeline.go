package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/txn2/imu-capture/pkg/journal"
	"github.com/txn2/imu-capture/pkg/session"
	"github.com/txn2/imu-capture/pkg/sink"
)

type taskKind int

const (
	taskBegin taskKind = iota
	taskFinish
)

// task is queued from the session hooks and handled off the session lock.
type task struct {
	kind    taskKind
	info    session.Info
	path    string
	reason  session.EndReason
	summary sink.Summary
	endedAt time.Time
}

// enqueue never blocks; the hooks run under the session lock.
func (r *Recorder) enqueue(t task) {
	if r.closed.Load() {
		r.stats.droppedTasks.Add(1)
		slog.Warn("recorder closed, post-session task dropped", "session_id", t.info.ID)
		return
	}
	select {
	case r.tasks <- t:
	default:
		r.stats.droppedTasks.Add(1)
		slog.Warn("post-session queue full, task dropped", "session_id", t.info.ID)
	}
}

// StartWorker starts the goroutine that journals and archives sessions.
// It is stopped by Close.
func (r *Recorder) StartWorker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.run(ctx)
	}()
}

// Close ends a running session with reason shutdown, then waits for queued
// post-session tasks to finish or ctx to expire.
func (r *Recorder) Close(ctx context.Context) error {
	r.state.StopWith(session.ReasonShutdown)
	r.closed.Store(true)

	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run handles tasks until ctx is cancelled, then drains what is queued.
func (r *Recorder) run(ctx context.Context) {
	for {
		select {
		case t := <-r.tasks:
			r.handle(ctx, t)
		case <-ctx.Done():
			for {
				select {
				case t := <-r.tasks:
					r.handle(ctx, t)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(parent context.Context, t task) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.cfg.TaskTimeout)
	defer cancel()

	switch t.kind {
	case taskBegin:
		err := r.journal.Begin(ctx, journal.Entry{
			ID:        t.info.ID,
			Label:     t.info.Label,
			StartedAt: t.info.StartedAt,
			Duration:  t.info.Duration,
			Path:      t.path,
		})
		if err != nil {
			slog.Error("journaling session start failed", "session_id", t.info.ID, "error", err)
		}
	case taskFinish:
		r.finish(ctx, t)
	}
}

func (r *Recorder) finish(ctx context.Context, t task) {
	err := r.journal.Finish(ctx, journal.Completion{
		ID:      t.info.ID,
		EndedAt: t.endedAt,
		Reason:  string(t.reason),
		Rows:    t.summary.Rows,
	})
	if err != nil {
		slog.Error("journaling session end failed", "session_id", t.info.ID, "error", err)
	}

	if t.summary.Path == "" {
		return
	}
	key, err := r.archiver.Archive(ctx, t.info.ID, t.summary.Path)
	if err != nil {
		slog.Error("archiving session failed", "session_id", t.info.ID, "archiver", r.archiver.Name(), "error", err)
		return
	}
	if key == "" {
		return
	}
	if err := r.journal.SetArchive(ctx, t.info.ID, key); err != nil {
		slog.Error("recording archive key failed", "session_id", t.info.ID, "key", key, "error", err)
	}
}
