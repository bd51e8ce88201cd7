package platform

import (
	"database/sql"
	"time"

	"github.com/txn2/imu-capture/pkg/archive"
	"github.com/txn2/imu-capture/pkg/journal"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// DB is used instead of opening database.dsn. The caller keeps
	// ownership and closes it.
	DB *sql.DB

	// Journal overrides the store chosen from the database settings.
	Journal journal.Store

	// Archiver overrides the archiver built from the archive settings.
	Archiver archive.Archiver

	// Clock overrides time.Now for sessions.
	Clock func() time.Time
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithJournal sets the session journal.
func WithJournal(store journal.Store) Option {
	return func(o *Options) {
		o.Journal = store
	}
}

// WithArchiver sets the session archiver.
func WithArchiver(a archive.Archiver) Option {
	return func(o *Options) {
		o.Archiver = a
	}
}

// WithClock sets the session clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Clock = now
	}
}
