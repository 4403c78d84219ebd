package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/ocr"
)

// Config holds all configuration for donorscan
type Config struct {
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	OCR      OCRConfig      `mapstructure:"ocr" yaml:"ocr"`
	Vision   VisionConfig   `mapstructure:"vision" yaml:"vision"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Batch    BatchConfig    `mapstructure:"batch" yaml:"batch"`
	Watch    WatchConfig    `mapstructure:"watch" yaml:"watch"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// PipelineConfig holds stage settings
type PipelineConfig struct {
	Workers         int    `mapstructure:"workers" yaml:"workers"`
	DPI             int    `mapstructure:"dpi" yaml:"dpi"`
	CanonicalWidth  int    `mapstructure:"canonical_width" yaml:"canonical_width"`
	CanonicalHeight int    `mapstructure:"canonical_height" yaml:"canonical_height"`
	Rasterizer      string `mapstructure:"rasterizer" yaml:"rasterizer"`
	PdftoppmPath    string `mapstructure:"pdftoppm_path" yaml:"pdftoppm_path"`
}

// OCRConfig holds text recognition settings
type OCRConfig struct {
	Binary   string            `mapstructure:"binary" yaml:"binary"`
	Language string            `mapstructure:"language" yaml:"language"`
	PoolSize int               `mapstructure:"pool_size" yaml:"pool_size"`
	Timeout  time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Breaker  ocr.BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// VisionConfig selects the CV primitive backend
type VisionConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path" yaml:"badger_path"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address" yaml:"address"`
	Port         int    `mapstructure:"port" yaml:"port"`
	MaxUploadMB  int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// BatchConfig holds batch runner settings
type BatchConfig struct {
	Concurrency       int `mapstructure:"concurrency" yaml:"concurrency"`
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int `mapstructure:"burst" yaml:"burst"`
}

// WatchConfig holds inbox watcher settings
type WatchConfig struct {
	Inbox string `mapstructure:"inbox" yaml:"inbox"`
}

// Load loads configuration from defaults, an optional YAML file and env
// vars, in that order of precedence.
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}
	dataDir = expandHome(dataDir)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := loadDotEnv(dotEnvPaths(dataDir)...); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, err, "load .env")
	}

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "donorscan.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))
	v.SetDefault("watch.inbox", filepath.Join(dataDir, "inbox"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "donorscan.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, err, "read %s", configPath)
		}
	}

	// DONORSCAN_OCR_POOL_SIZE, DONORSCAN_SERVER_PORT, ...
	v.SetEnvPrefix("DONORSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, err, "unmarshal")
	}

	loadEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration rooted at dataDir. The
// defaults are fixed at compile time, so a decode failure is a bug and
// panics.
func Default(dataDir string) *Config {
	v := viper.New()
	setDefaults(v)
	v.Set("data_dir", dataDir)
	v.Set("storage.sqlite_path", filepath.Join(dataDir, "donorscan.db"))
	v.Set("storage.badger_path", filepath.Join(dataDir, "badger"))
	v.Set("watch.inbox", filepath.Join(dataDir, "inbox"))
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.dpi", 300)
	v.SetDefault("pipeline.canonical_width", 2480)
	v.SetDefault("pipeline.canonical_height", 3508)
	v.SetDefault("pipeline.rasterizer", "embedded")
	v.SetDefault("pipeline.pdftoppm_path", "pdftoppm")

	breaker := ocr.DefaultBreakerConfig()
	v.SetDefault("ocr.binary", "tesseract")
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.pool_size", 2)
	v.SetDefault("ocr.timeout", 30*time.Second)
	v.SetDefault("ocr.breaker.enabled", breaker.Enabled)
	v.SetDefault("ocr.breaker.consecutive_failures", breaker.ConsecutiveFailures)
	v.SetDefault("ocr.breaker.open_timeout", breaker.OpenTimeout)
	v.SetDefault("ocr.breaker.half_open_requests", breaker.HalfOpenRequests)

	v.SetDefault("vision.backend", "native")

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 120)

	v.SetDefault("batch.concurrency", 2)
	v.SetDefault("batch.requests_per_minute", 60)
	v.SetDefault("batch.burst", 5)
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "donorscan")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "donorscan")
}

// loadEnvOverrides applies the short env names operators already use for
// tesseract and poppler installs.
func loadEnvOverrides(cfg *Config) {
	if v := lookupEnv("DONORSCAN_OCR_BINARY"); v != "" {
		cfg.OCR.Binary = v
	}
	if v := lookupEnv("DONORSCAN_OCR_LANGUAGE"); v != "" {
		cfg.OCR.Language = v
	}
	if v := lookupEnv("DONORSCAN_PIPELINE_PDFTOPPM_PATH"); v != "" {
		cfg.Pipeline.PdftoppmPath = v
	}
	if port := lookupEnv("DONORSCAN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	cfg.Watch.Inbox = expandHome(cfg.Watch.Inbox)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Pipeline.Workers <= 0:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "pipeline.workers must be positive")
	case c.Pipeline.DPI <= 0:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "pipeline.dpi must be positive")
	case c.Pipeline.CanonicalWidth <= 0 || c.Pipeline.CanonicalHeight <= 0:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "pipeline canonical size must be positive")
	case c.OCR.PoolSize <= 0:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "ocr.pool_size must be positive")
	case c.Server.MaxUploadMB <= 0:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "server.max_upload_mb must be positive")
	case c.Batch.Concurrency <= 0:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "batch.concurrency must be positive")
	}
	switch c.Pipeline.Rasterizer {
	case "embedded", "pdftoppm":
	default:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "unknown rasterizer %q", c.Pipeline.Rasterizer)
	}
	switch c.Vision.Backend {
	case "native", "opencv", "gocv":
	default:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "unknown vision backend %q", c.Vision.Backend)
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
