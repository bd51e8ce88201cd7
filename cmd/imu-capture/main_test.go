package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/imu-capture/pkg/platform"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "capture.yaml", "-version"})
	require.NoError(t, err)
	assert.Equal(t, "capture.yaml", opts.configPath)
	assert.True(t, opts.showVersion)

	_, err = parseFlags([]string{"-unknown"})
	assert.Error(t, err)
}

func TestRun_Version(t *testing.T) {
	assert.NoError(t, run([]string{"-version"}))
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := loadConfig(serverOptions{})
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:5005", cfg.Ingest.Address)
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "capture.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o600))
		_, err := loadConfig(serverOptions{configPath: path})
		assert.ErrorContains(t, err, "log.format")
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(platform.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	logger, err = newLogger(platform.LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	_, err = newLogger(platform.LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
	_, err = newLogger(platform.LogConfig{Level: "info", Format: "xml"}, &buf)
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := platform.DefaultConfig()
	cfg.Ingest.Address = "127.0.0.1:0"
	cfg.Control.Address = "127.0.0.1:0"
	cfg.Capture.OutputDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
