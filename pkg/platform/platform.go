package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/txn2/imu-capture/internal/server"
	"github.com/txn2/imu-capture/pkg/archive"
	"github.com/txn2/imu-capture/pkg/capture"
	"github.com/txn2/imu-capture/pkg/control"
	"github.com/txn2/imu-capture/pkg/database/migrate"
	"github.com/txn2/imu-capture/pkg/health"
	"github.com/txn2/imu-capture/pkg/journal"
	journalpg "github.com/txn2/imu-capture/pkg/journal/postgres"
	"github.com/txn2/imu-capture/pkg/live"
	"github.com/txn2/imu-capture/pkg/sink"
	sinkpg "github.com/txn2/imu-capture/pkg/sink/postgres"
)

const (
	dbConnectTimeout   = 10 * time.Second
	archiveInitTimeout = 10 * time.Second
)

// Platform is the assembled capture server.
type Platform struct {
	config    *Config
	lifecycle *Lifecycle

	db     *sql.DB
	ownsDB bool

	journal  journal.Store
	archiver archive.Archiver
	sinks    *sink.Manager
	recorder *capture.Recorder
	hub      *live.Hub
	health   *health.Checker
	control  *control.Handler

	mu       sync.Mutex
	listener *capture.Listener
	http     *server.Server
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// New creates a new platform instance. Sockets are bound by Start.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	applyDefaults(options.Config)
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		lifecycle: NewLifecycle(),
		health:    health.NewChecker(),
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	p.registerLifecycle()

	return p, nil
}

// initializeComponents builds every component, leaves first.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	p.initJournal(opts)
	if err := p.initArchiver(opts); err != nil {
		return err
	}
	if p.config.Live.IsEnabled() {
		p.hub = live.NewHub(live.Config{
			SendBuffer:   p.config.Live.SendBuffer,
			WriteTimeout: p.config.Live.WriteTimeout,
		})
	}
	if err := p.initRecorder(opts); err != nil {
		return err
	}
	p.initHealthChecks()
	return p.initControl()
}

// initDatabase opens and migrates PostgreSQL when a DSN is configured.
func (p *Platform) initDatabase(opts *Options) error {
	if opts.DB != nil {
		p.db = opts.DB
		return nil
	}
	if p.config.Database.DSN == "" {
		return nil
	}

	db, err := sql.Open("postgres", p.config.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
	p.db = db
	p.ownsDB = true

	ctx, cancel := context.WithTimeout(context.Background(), dbConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database ready", "max_open_conns", p.config.Database.MaxOpenConns)
	return nil
}

func (p *Platform) initJournal(opts *Options) {
	switch {
	case opts.Journal != nil:
		p.journal = opts.Journal
	case p.db != nil:
		p.journal = journalpg.New(p.db, journalpg.Config{RetentionDays: p.config.Database.RetentionDays})
	default:
		p.journal = journal.NewMemoryStore()
	}
}

func (p *Platform) initArchiver(opts *Options) error {
	if opts.Archiver != nil {
		p.archiver = opts.Archiver
		return nil
	}
	if !p.config.Archive.Enabled {
		p.archiver = archive.Noop{}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveInitTimeout)
	defer cancel()
	a := p.config.Archive
	s3, err := archive.NewS3FromConfig(ctx, archive.S3Config{
		Bucket:          a.Bucket,
		Prefix:          a.Prefix,
		Region:          a.Region,
		Endpoint:        a.Endpoint,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		UsePathStyle:    a.UsePathStyle,
		Compress:        a.Compress,
		DeleteLocal:     a.DeleteLocal,
	})
	if err != nil {
		return fmt.Errorf("creating archiver: %w", err)
	}
	p.archiver = s3
	return nil
}

func (p *Platform) initRecorder(opts *Options) error {
	var mirrors []sink.RowWriter
	if p.config.Database.MirrorReadings && p.db != nil {
		mirrors = append(mirrors, sinkpg.New(p.db))
	}
	p.sinks = sink.NewManager(p.sinkConfig(mirrors))

	recOpts := []capture.Option{
		capture.WithJournal(p.journal),
		capture.WithArchiver(p.archiver),
	}
	if p.hub != nil {
		recOpts = append(recOpts, capture.WithPublisher(p.hub))
	}
	if opts.Clock != nil {
		recOpts = append(recOpts, capture.WithClock(opts.Clock))
	}

	rec, err := capture.NewRecorder(p.recorderConfig(), p.sinks, recOpts...)
	if err != nil {
		return fmt.Errorf("creating recorder: %w", err)
	}
	p.recorder = rec
	return nil
}

func (p *Platform) sinkConfig(mirrors []sink.RowWriter) sink.Config {
	return sink.Config{
		Labels:        p.config.Capture.LabelsEnabled(),
		Fsync:         p.config.Capture.FsyncEnabled(),
		Mirrors:       mirrors,
		MirrorTimeout: p.config.Database.MirrorTimeout,
	}
}

func (p *Platform) recorderConfig() capture.Config {
	c := p.config.Capture
	return capture.Config{
		OutputDir:    c.OutputDir,
		FilePrefix:   c.FilePrefix,
		DefaultLabel: c.DefaultLabel,
		MaxDuration:  c.MaxDuration,
		QueueSize:    c.QueueSize,
		TaskTimeout:  c.TaskTimeout,
	}
}

func (p *Platform) initHealthChecks() {
	dir := p.config.Capture.OutputDir
	p.health.AddCheck("output_dir", func(context.Context) error {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("stat %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	})
	if p.db != nil {
		p.health.AddCheck("database", p.db.PingContext)
	}
}

func (p *Platform) initControl() error {
	cfg := control.Config{
		Recorder: p.recorder,
		Health:   p.health,
		Labels:   p.config.Capture.LabelOptions,
		Version:  server.Version,
	}
	if p.hub != nil {
		cfg.Live = p.hub
	}
	h, err := control.New(cfg)
	if err != nil {
		return fmt.Errorf("creating control handler: %w", err)
	}
	p.control = h
	return nil
}

// registerLifecycle registers steps in start order. Stop runs them in
// reverse: the control surface goes away first, the journal last.
func (p *Platform) registerLifecycle() {
	p.lifecycle.Register("journal", p.startJournal, func(context.Context) error {
		return p.journal.Close()
	})
	p.lifecycle.Register("recorder", func(context.Context) error {
		p.recorder.StartWorker()
		return nil
	}, p.recorder.Close)
	p.lifecycle.Register("udp listener", p.startListener, p.stopListener)
	if p.hub != nil {
		p.lifecycle.RegisterCloser("live hub", p.hub)
	}
	p.lifecycle.Register("control surface", p.startControl, p.stopControl)
	p.lifecycle.Register("health", func(context.Context) error {
		p.health.SetReady()
		return nil
	}, func(context.Context) error {
		p.health.SetDraining()
		return nil
	})
}

func (p *Platform) startJournal(context.Context) error {
	store, ok := p.journal.(*journalpg.Store)
	if !ok || p.config.Database.RetentionDays <= 0 {
		return nil
	}
	store.StartCleanupRoutine(p.config.Database.CleanupInterval)
	return nil
}

func (p *Platform) startListener(ctx context.Context) error {
	l, err := capture.Listen(ctx, p.config.Ingest.Address, p.config.Ingest.BufferSize, p.recorder)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()

	// The listener context outlives Start; Stop closes the socket.
	runCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := l.Run(runCtx); err != nil {
			slog.Error("udp listener stopped", "error", err)
		}
	}()
	return nil
}

func (p *Platform) stopListener(context.Context) error {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

func (p *Platform) startControl(ctx context.Context) error {
	c := p.config.Control
	srv, err := server.Listen(ctx, server.Config{
		Address:      c.Address,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}, p.control)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.http = srv
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := srv.Serve(); err != nil {
			slog.Error("control surface stopped", "error", err)
		}
	}()
	return nil
}

func (p *Platform) stopControl(ctx context.Context) error {
	p.mu.Lock()
	srv := p.http
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Start binds the sockets and starts serving.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}
	slog.Info("capture server started",
		"ingest", p.IngestAddr().String(),
		"control", p.ControlAddr().String(),
		"output_dir", p.config.Capture.OutputDir)
	return nil
}

// Stop ends a running session, stops serving and waits for the loops.
func (p *Platform) Stop(ctx context.Context) error {
	err := p.lifecycle.Stop(ctx)
	p.wg.Wait()
	return err
}

// Close releases the database connection when the platform opened it.
func (p *Platform) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.ownsDB && p.db != nil {
			if cerr := p.db.Close(); cerr != nil {
				err = fmt.Errorf("closing database: %w", cerr)
			}
		}
	})
	return err
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Recorder returns the capture recorder.
func (p *Platform) Recorder() *capture.Recorder {
	return p.recorder
}

// Health returns the health checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// IngestAddr returns the bound UDP address, or nil before Start.
func (p *Platform) IngestAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ControlAddr returns the bound HTTP address, or nil before Start.
func (p *Platform) ControlAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.http == nil {
		return nil
	}
	return p.http.Addr()
}
