package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/olivpeter/compressorPro/pkg/batch"
	"github.com/olivpeter/compressorPro/pkg/media"
	"github.com/olivpeter/compressorPro/pkg/reconciler"
)

const DefaultPath = "compressor.yml"

const envPrefix = "COMPRESSOR_"

type Config struct {
	Defaults struct {
		Quality float64 `yaml:"quality"`
		Resize  string  `yaml:"resize"`
		Format  string  `yaml:"format"`
	} `yaml:"defaults"`
	Reconcile struct {
		Debounce         time.Duration `yaml:"debounce"`
		MaxConcurrency   int           `yaml:"max_concurrency"`
		TranscodeTimeout time.Duration `yaml:"transcode_timeout"`
	} `yaml:"reconcile"`
	Resize struct {
		AllowUpscale bool   `yaml:"allow_upscale"`
		Filter       string `yaml:"filter"`
	} `yaml:"resize"`
	Encoders struct {
		AVIFEncPath    string `yaml:"avifenc_path"`
		AVIFSpeed      int    `yaml:"avif_speed"`
		PNGCompression string `yaml:"png_compression"`
	} `yaml:"encoders"`
	Cache struct {
		MemoryEntries int           `yaml:"memory_entries"`
		RedisURL      string        `yaml:"redis_url"`
		RedisPrefix   string        `yaml:"redis_prefix"`
		TTL           time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
	Acquire struct {
		MaxFileSize string        `yaml:"max_file_size"`
		WatchSettle time.Duration `yaml:"watch_settle"`
	} `yaml:"acquire"`
	Archive struct {
		Name string `yaml:"name"`
	} `yaml:"archive"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

func Default() *Config {
	config := &Config{}
	config.Defaults.Quality = 0.8
	config.Defaults.Resize = media.ProfileNone.ID
	config.Defaults.Format = string(media.FormatOriginal)
	config.Reconcile.Debounce = 300 * time.Millisecond
	config.Reconcile.MaxConcurrency = 4
	config.Reconcile.TranscodeTimeout = 60 * time.Second
	config.Resize.AllowUpscale = true
	config.Resize.Filter = "lanczos"
	config.Encoders.AVIFEncPath = "avifenc"
	config.Encoders.AVIFSpeed = 6
	config.Encoders.PNGCompression = "best"
	config.Cache.MemoryEntries = 256
	config.Cache.RedisPrefix = "compressor"
	config.Cache.TTL = 24 * time.Hour
	config.Acquire.MaxFileSize = "50MB"
	config.Acquire.WatchSettle = 500 * time.Millisecond
	config.Archive.Name = "imagens_comprimidas.zip"
	config.Logging.Level = "info"
	return config
}

// LoadConfig reads a YAML file over the defaults. A missing file yields the
// defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return config, nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(file, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Load is LoadConfig followed by .env files, COMPRESSOR_* environment
// overrides and validation.
func Load(path string, envFiles ...string) (*Config, error) {
	config, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	// A missing .env is normal.
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides fields from COMPRESSOR_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("QUALITY"); ok {
		q, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sQUALITY: %w", envPrefix, err)
		}
		c.Defaults.Quality = q
	}
	if v, ok := get("RESIZE"); ok {
		c.Defaults.Resize = v
	}
	if v, ok := get("FORMAT"); ok {
		c.Defaults.Format = v
	}
	if v, ok := get("MAX_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_CONCURRENCY: %w", envPrefix, err)
		}
		c.Reconcile.MaxConcurrency = n
	}
	if v, ok := get("AVIFENC"); ok {
		c.Encoders.AVIFEncPath = v
	}
	if v, ok := get("REDIS_URL"); ok {
		c.Cache.RedisURL = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("METRICS_LISTEN"); ok {
		c.Metrics.Listen = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Settings(); err != nil {
		errs = append(errs, err)
	}
	if c.Reconcile.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.max_concurrency must be positive, got %d", c.Reconcile.MaxConcurrency))
	}
	if c.Reconcile.Debounce < 0 {
		errs = append(errs, errors.New("reconcile.debounce must not be negative"))
	}
	if _, err := media.ParseFilter(c.Resize.Filter); err != nil {
		errs = append(errs, fmt.Errorf("resize.filter: %w", err))
	}
	if c.Cache.MemoryEntries < 0 {
		errs = append(errs, errors.New("cache.memory_entries must not be negative"))
	}
	if _, err := c.MaxFileBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Archive.Name == "" {
		errs = append(errs, errors.New("archive.name must not be empty"))
	}
	if hclog.LevelFromString(c.Logging.Level) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// Settings returns the initial reconciler settings from the defaults
// section.
func (c *Config) Settings() (reconciler.Settings, error) {
	profile, err := media.LookupProfile(c.Defaults.Resize)
	if err != nil {
		return reconciler.Settings{}, fmt.Errorf("defaults.resize: %w", err)
	}
	format, err := media.ParseTargetFormat(c.Defaults.Format)
	if err != nil {
		return reconciler.Settings{}, fmt.Errorf("defaults.format: %w", err)
	}
	s := reconciler.Settings{Quality: c.Defaults.Quality, Resize: profile, TargetFormat: format}
	if err := s.Validate(); err != nil {
		return reconciler.Settings{}, fmt.Errorf("defaults.quality: %w", err)
	}
	return s, nil
}

func (c *Config) ReconcilerConfig() reconciler.Config {
	return reconciler.Config{
		Debounce: c.Reconcile.Debounce,
		Batch: batch.Config{
			MaxConcurrency: c.Reconcile.MaxConcurrency,
			Timeout:        c.Reconcile.TranscodeTimeout,
		},
	}
}

func (c *Config) MediaOptions() media.Options {
	return media.Options{
		Filter:         c.Resize.Filter,
		AllowUpscale:   c.Resize.AllowUpscale,
		PNGCompression: c.Encoders.PNGCompression,
		AVIFEncoder:    c.Encoders.AVIFEncPath,
		AVIFSpeed:      c.Encoders.AVIFSpeed,
	}
}

// MaxFileBytes parses acquire.max_file_size. Empty or zero means no limit.
func (c *Config) MaxFileBytes() (int64, error) {
	if c.Acquire.MaxFileSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Acquire.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("acquire.max_file_size: %w", err)
	}
	return int64(n), nil
}

func (c *Config) LogLevel() hclog.Level {
	return hclog.LevelFromString(c.Logging.Level)
}
