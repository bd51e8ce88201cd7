// Package postgres provides PostgreSQL storage for the session journal.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/imu-capture/pkg/journal"
)

const sessionsTable = "capture_sessions"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// entryColumns lists columns returned by journal SELECT queries.
var entryColumns = []string{
	"id", "label", "started_at", "duration_seconds", "path",
	"ended_at", "end_reason", "rows", "archive_key",
}

// Store implements journal.Store using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL journal store.
type Config struct {
	// RetentionDays removes sessions (and their mirrored readings) older
	// than this many days. Zero keeps everything.
	RetentionDays int
}

// New creates a new PostgreSQL journal store.
func New(db *sql.DB, cfg Config) *Store {
	return &Store{db: db, retentionDays: cfg.RetentionDays}
}

// Begin records a started session.
func (s *Store) Begin(ctx context.Context, e journal.Entry) error {
	query, args, err := psq.Insert(sessionsTable).
		Columns("id", "label", "started_at", "duration_seconds", "path").
		Values(e.ID, e.Label, e.StartedAt, int64(e.Duration/time.Second), e.Path).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session %s: %w", e.ID, err)
	}
	return nil
}

// Finish marks a session ended.
func (s *Store) Finish(ctx context.Context, c journal.Completion) error {
	query, args, err := psq.Update(sessionsTable).
		Set("ended_at", c.EndedAt).
		Set("end_reason", c.Reason).
		Set("rows", c.Rows).
		Where(sq.Eq{"id": c.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	return s.execOne(ctx, c.ID, "finishing session", query, args)
}

// SetArchive records the archive key of a session.
func (s *Store) SetArchive(ctx context.Context, id, key string) error {
	query, args, err := psq.Update(sessionsTable).
		Set("archive_key", key).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	return s.execOne(ctx, id, "setting archive key", query, args)
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, id string) (journal.Entry, error) {
	query, args, err := psq.Select(entryColumns...).
		From(sessionsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return journal.Entry{}, fmt.Errorf("building select: %w", err)
	}

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Entry{}, fmt.Errorf("%w: %s", journal.ErrNotFound, id)
	}
	return e, err
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f journal.Filter) ([]journal.Entry, error) {
	qb := psq.Select(entryColumns...).From(sessionsTable)
	if f.Label != "" {
		qb = qb.Where(sq.Eq{"label": f.Label})
	}
	if f.Since != nil {
		qb = qb.Where(sq.GtOrEq{"started_at": *f.Since})
	}
	limit := f.EffectiveLimit()
	qb = qb.OrderBy("started_at DESC", "id DESC").Limit(uint64(limit)) // #nosec G115 -- limit is clamped positive
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset)) // #nosec G115 -- checked positive
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building journal query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]journal.Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return entries, nil
}

// Cleanup removes sessions and mirrored readings past the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	for _, table := range []struct{ name, column string }{
		{"readings", "server_time"},
		{sessionsTable, "started_at"},
	} {
		query, args, err := psq.Delete(table.name).Where(sq.Lt{table.column: cutoff}).ToSql()
		if err != nil {
			return fmt.Errorf("building delete: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("cleaning up %s: %w", table.name, err)
		}
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// applies retention. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("journal cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, id, what, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", journal.ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (journal.Entry, error) {
	var (
		e       journal.Entry
		seconds int64
		endedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Label, &e.StartedAt, &seconds, &e.Path,
		&endedAt, &e.EndReason, &e.Rows, &e.ArchiveKey)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("scanning session row: %w", err)
	}
	e.Duration = time.Duration(seconds) * time.Second
	if endedAt.Valid {
		t := endedAt.Time
		e.EndedAt = &t
	}
	return e, nil
}

// Verify interface compliance.
var _ journal.Store = (*Store)(nil)
