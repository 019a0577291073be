// Package config loads seiyo settings with Viper.
//
// Priority (highest first):
//  1. SEIYO_* environment variables (nested keys use underscores, e.g. SEIYO_LLM_PROVIDER)
//  2. the file given by --config or SEIYO_CONFIG
//  3. $XDG_CONFIG_HOME/seiyo/config.yaml
//  4. [Default] values
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hiratazx/SeiyoHighFork-sub002/story"
)

// Config is the root configuration.
type Config struct {
	DataDir      string   `mapstructure:"data_dir"`
	Store        string   `mapstructure:"store"` // fs or sqlite
	SegmentOrder []string `mapstructure:"segment_order"`
	Language     string   `mapstructure:"language"`

	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Countdown CountdownConfig `mapstructure:"countdown"`
	Lock      LockConfig      `mapstructure:"lock"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LLMConfig selects the AI backend.
type LLMConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	ImageModel string `mapstructure:"image_model"`
	Images     bool   `mapstructure:"images"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// PipelineConfig bounds stage execution.
type PipelineConfig struct {
	StageTimeout  time.Duration `mapstructure:"stage_timeout"`
	StallTimeout  time.Duration `mapstructure:"stall_timeout"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// CountdownConfig mirrors pipeline.CountdownConfig.
type CountdownConfig struct {
	Success     time.Duration `mapstructure:"success"`
	Error       time.Duration `mapstructure:"error"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AutoAdvance bool          `mapstructure:"auto_advance"`
	AutoRetry   bool          `mapstructure:"auto_retry"`
}

// LockConfig tunes the session lock.
type LockConfig struct {
	Disabled   bool          `mapstructure:"disabled"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Interval   time.Duration `mapstructure:"interval"`
}

// ServerConfig configures `seiyo serve`.
type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store:        "fs",
		SegmentOrder: []string(story.DefaultSegmentOrder),
		LLM: LLMConfig{
			Provider:   "anthropic",
			ImageModel: "dall-e-3",
			MaxRetries: 3,
		},
		Pipeline: PipelineConfig{
			StageTimeout:  3*time.Minute + 30*time.Second,
			StallTimeout:  2 * time.Minute,
			CheckInterval: 5 * time.Second,
		},
		Countdown: CountdownConfig{
			Success:     5 * time.Second,
			Error:       15 * time.Second,
			Timeout:     30 * time.Second,
			AutoAdvance: true,
		},
		Lock: LockConfig{
			StaleAfter: 15 * time.Second,
			Interval:   5 * time.Second,
		},
		Server: ServerConfig{Addr: "127.0.0.1:2390"},
	}
}

// Loader reads configuration through a private Viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with defaults and SEIYO_ env binding applied.
func NewLoader() *Loader {
	v := viper.New()
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("store", d.Store)
	v.SetDefault("segment_order", d.SegmentOrder)
	v.SetDefault("language", d.Language)
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.image_model", d.LLM.ImageModel)
	v.SetDefault("llm.images", d.LLM.Images)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("pipeline.stage_timeout", d.Pipeline.StageTimeout)
	v.SetDefault("pipeline.stall_timeout", d.Pipeline.StallTimeout)
	v.SetDefault("pipeline.check_interval", d.Pipeline.CheckInterval)
	v.SetDefault("countdown.success", d.Countdown.Success)
	v.SetDefault("countdown.error", d.Countdown.Error)
	v.SetDefault("countdown.timeout", d.Countdown.Timeout)
	v.SetDefault("countdown.auto_advance", d.Countdown.AutoAdvance)
	v.SetDefault("countdown.auto_retry", d.Countdown.AutoRetry)
	v.SetDefault("lock.disabled", d.Lock.Disabled)
	v.SetDefault("lock.stale_after", d.Lock.StaleAfter)
	v.SetDefault("lock.interval", d.Lock.Interval)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.token", d.Server.Token)

	v.SetEnvPrefix("SEIYO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load reads path (or the default location when empty) and returns the
// merged configuration. A missing default file is not an error.
func (l *Loader) Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("SEIYO_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		if dir, err := DefaultConfigDir(); err == nil {
			path = filepath.Join(dir, "config.yaml")
		}
	}

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is a shortcut for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Order returns the configured day structure.
func (c *Config) Order() story.SegmentOrder {
	return story.SegmentOrder(c.SegmentOrder)
}

// Validate rejects settings the pipelines cannot run with.
func (c *Config) Validate() error {
	if err := c.Order().Validate(); err != nil {
		return fmt.Errorf("segment_order: %w", err)
	}
	switch c.Store {
	case "fs", "sqlite":
	default:
		return fmt.Errorf("store: unknown backend %q (want fs or sqlite)", c.Store)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "gemini":
	default:
		return fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider)
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"pipeline.stage_timeout":  c.Pipeline.StageTimeout,
		"pipeline.stall_timeout":  c.Pipeline.StallTimeout,
		"pipeline.check_interval": c.Pipeline.CheckInterval,
		"countdown.success":       c.Countdown.Success,
		"countdown.error":         c.Countdown.Error,
		"countdown.timeout":       c.Countdown.Timeout,
		"lock.stale_after":        c.Lock.StaleAfter,
		"lock.interval":           c.Lock.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Lock.Interval >= c.Lock.StaleAfter {
		return fmt.Errorf("lock.interval (%s) must be shorter than lock.stale_after (%s)", c.Lock.Interval, c.Lock.StaleAfter)
	}
	if !isLoopback(c.Server.Addr) && c.Server.Token == "" {
		return fmt.Errorf("server.addr %q is not loopback; set server.token", c.Server.Addr)
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
