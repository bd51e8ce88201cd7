// Package platform assembles the capture server from its configuration.
package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultIngestAddress    = "0.0.0.0:5005"
	defaultIngestBuffer     = 1024
	defaultControlAddress   = "0.0.0.0:8000"
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultShutdownTimeout  = 15 * time.Second
	defaultOutputDir        = "./udp_data"
	defaultFilePrefix       = "data"
	defaultQueueSize        = 64
	defaultTaskTimeout      = 2 * time.Minute
	defaultMirrorTimeout    = 5 * time.Second
	defaultMaxOpenConns     = 10
	defaultCleanupInterval  = time.Hour
	defaultArchivePrefix    = "sessions"
	defaultLiveSendBuffer   = 64
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	maxIngestBufferSize     = 65535
	defaultEnvFile          = ".env"
	envVarPatternExpression = `\$\{([^}]+)\}`
)

var envVarPattern = regexp.MustCompile(envVarPatternExpression)

// Config holds the complete server configuration.
type Config struct {
	Ingest   IngestConfig   `yaml:"ingest"`
	Control  ControlConfig  `yaml:"control"`
	Capture  CaptureConfig  `yaml:"capture"`
	Database DatabaseConfig `yaml:"database"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Live     LiveConfig     `yaml:"live"`
	Log      LogConfig      `yaml:"log"`
}

// IngestConfig configures the UDP listener.
type IngestConfig struct {
	Address    string `yaml:"address"`
	BufferSize int    `yaml:"buffer_size"`
}

// ControlConfig configures the HTTP control surface.
type ControlConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CaptureConfig configures sessions and their files.
type CaptureConfig struct {
	OutputDir    string        `yaml:"output_dir"`
	FilePrefix   string        `yaml:"file_prefix"`
	Labels       *bool         `yaml:"labels"`
	Fsync        *bool         `yaml:"fsync"`
	DefaultLabel string        `yaml:"default_label"`
	LabelOptions []string      `yaml:"label_options"`
	MaxDuration  time.Duration `yaml:"max_duration"`
	QueueSize    int           `yaml:"queue_size"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
}

// LabelsEnabled reports whether files carry the Label column.
func (c CaptureConfig) LabelsEnabled() bool { return c.Labels == nil || *c.Labels }

// FsyncEnabled reports whether every row is synced to disk.
func (c CaptureConfig) FsyncEnabled() bool { return c.Fsync == nil || *c.Fsync }

// DatabaseConfig configures PostgreSQL. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MirrorReadings  bool          `yaml:"mirror_readings"`
	MirrorTimeout   time.Duration `yaml:"mirror_timeout"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ArchiveConfig configures uploading finished session files to S3.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Compress        bool   `yaml:"compress"`
	DeleteLocal     bool   `yaml:"delete_local"`
}

// LiveConfig configures the websocket feed.
type LiveConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IsEnabled reports whether the live feed is served.
func (c LiveConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// LogConfig configures the default logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a YAML file. A .env file in the
// working directory is loaded first so its variables can be referenced as
// ${VAR} in the file.
func LoadConfig(path string) (*Config, error) {
	if err := loadDotEnv(defaultEnvFile); err != nil {
		return nil, err
	}

	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// loadDotEnv loads variables from path without overriding the environment.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		slog.Debug("loaded environment file", "path", path)
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Ingest.Address == "" {
		cfg.Ingest.Address = defaultIngestAddress
	}
	if cfg.Ingest.BufferSize == 0 {
		cfg.Ingest.BufferSize = defaultIngestBuffer
	}
	if cfg.Control.Address == "" {
		cfg.Control.Address = defaultControlAddress
	}
	if cfg.Control.ReadTimeout == 0 {
		cfg.Control.ReadTimeout = defaultReadTimeout
	}
	if cfg.Control.WriteTimeout == 0 {
		cfg.Control.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Control.ShutdownTimeout == 0 {
		cfg.Control.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Capture.OutputDir == "" {
		cfg.Capture.OutputDir = defaultOutputDir
	}
	if cfg.Capture.FilePrefix == "" {
		cfg.Capture.FilePrefix = defaultFilePrefix
	}
	if cfg.Capture.QueueSize == 0 {
		cfg.Capture.QueueSize = defaultQueueSize
	}
	if cfg.Capture.TaskTimeout == 0 {
		cfg.Capture.TaskTimeout = defaultTaskTimeout
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.Database.MirrorTimeout == 0 {
		cfg.Database.MirrorTimeout = defaultMirrorTimeout
	}
	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = defaultArchivePrefix
	}
	if cfg.Live.SendBuffer == 0 {
		cfg.Live.SendBuffer = defaultLiveSendBuffer
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaultLogFormat
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Ingest.BufferSize < 1 || c.Ingest.BufferSize > maxIngestBufferSize {
		errs = append(errs, fmt.Sprintf("ingest.buffer_size must be between 1 and %d", maxIngestBufferSize))
	}
	if c.Capture.MaxDuration < 0 {
		errs = append(errs, "capture.max_duration must not be negative")
	}
	if c.Capture.QueueSize < 0 {
		errs = append(errs, "capture.queue_size must not be negative")
	}
	if c.Capture.TaskTimeout < 0 {
		errs = append(errs, "capture.task_timeout must not be negative")
	}
	if strings.ContainsAny(c.Capture.FilePrefix, `/\`) {
		errs = append(errs, "capture.file_prefix must not contain path separators")
	}
	if c.Database.MirrorReadings && c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required when mirror_readings is enabled")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}
	if c.Database.MirrorTimeout < 0 {
		errs = append(errs, "database.mirror_timeout must not be negative")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, "archive.bucket is required when archive is enabled")
	}
	if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
		errs = append(errs, "archive.access_key_id and archive.secret_access_key must be set together")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SlogLevel parses the configured level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
