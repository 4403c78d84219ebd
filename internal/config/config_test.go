package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load("", dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 300, cfg.Pipeline.DPI)
	assert.Equal(t, 2480, cfg.Pipeline.CanonicalWidth)
	assert.Equal(t, 3508, cfg.Pipeline.CanonicalHeight)
	assert.Equal(t, "embedded", cfg.Pipeline.Rasterizer)
	assert.Equal(t, "tesseract", cfg.OCR.Binary)
	assert.Equal(t, "eng", cfg.OCR.Language)
	assert.Equal(t, 30*time.Second, cfg.OCR.Timeout)
	assert.True(t, cfg.OCR.Breaker.Enabled)
	assert.Equal(t, uint32(5), cfg.OCR.Breaker.ConsecutiveFailures)
	assert.Equal(t, 10, cfg.Server.MaxUploadMB)
	assert.Equal(t, filepath.Join(dir, "donorscan.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, filepath.Join(dir, "badger"), cfg.Storage.BadgerPath)
	assert.Equal(t, filepath.Join(dir, "inbox"), cfg.Watch.Inbox)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "donorscan.yaml")
	content := `
pipeline:
  workers: 8
  rasterizer: pdftoppm
ocr:
  pool_size: 6
  timeout: 45s
  breaker:
    consecutive_failures: 3
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("DONORSCAN_PIPELINE_WORKERS", "12")
	t.Setenv("TESSERACT_BIN", "/opt/bin/tesseract")
	t.Setenv("DONORSCAN_OCR_BINARY", "")

	cfg, err := Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Pipeline.Workers)
	assert.Equal(t, "pdftoppm", cfg.Pipeline.Rasterizer)
	assert.Equal(t, 6, cfg.OCR.PoolSize)
	assert.Equal(t, 45*time.Second, cfg.OCR.Timeout)
	assert.Equal(t, uint32(3), cfg.OCR.Breaker.ConsecutiveFailures)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/opt/bin/tesseract", cfg.OCR.Binary)
}

func TestLoad_RejectsUnknownRasterizer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "donorscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  rasterizer: ghostscript\n"), 0644))

	_, err := Load(path, dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfigInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }, false},
		{"negative dpi", func(c *Config) { c.Pipeline.DPI = -1 }, false},
		{"zero pool", func(c *Config) { c.OCR.PoolSize = 0 }, false},
		{"zero canonical", func(c *Config) { c.Pipeline.CanonicalWidth = 0 }, false},
		{"zero upload", func(c *Config) { c.Server.MaxUploadMB = 0 }, false},
		{"zero batch", func(c *Config) { c.Batch.Concurrency = 0 }, false},
		{"pdftoppm", func(c *Config) { c.Pipeline.Rasterizer = "pdftoppm" }, true},
		{"opencv", func(c *Config) { c.Vision.Backend = "opencv" }, true},
		{"unknown backend", func(c *Config) { c.Vision.Backend = "vips" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, apperrors.ErrConfigInvalid))
			}
		})
	}
}

func TestDefault_DecodesEveryDefault(t *testing.T) {
	dir := t.TempDir()
	var cfg *Config
	require.NotPanics(t, func() { cfg = Default(dir) })

	require.NoError(t, cfg.Validate())
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.OCR.Timeout)
	assert.Equal(t, uint32(5), cfg.OCR.Breaker.ConsecutiveFailures)
	assert.Equal(t, "embedded", cfg.Pipeline.Rasterizer)
	assert.Equal(t, 10, cfg.Server.MaxUploadMB)
}
