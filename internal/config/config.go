// Package config provides configuration management for markview using Viper
// for loading from files, environment variables, and command-line flags.
//
// Configuration is resolved once at startup (.markview.yml, MARKVIEW_*
// environment overrides, flags), validated, and then passed to components as
// an immutable value. No component reads viper after construction.
package config

import (
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/markview/markview/internal/errors"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Documents DocumentsConfig `yaml:"documents" mapstructure:"documents"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Watch     WatchConfig     `yaml:"watch" mapstructure:"watch"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Hub       HubConfig       `yaml:"hub" mapstructure:"hub"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" mapstructure:"host"`
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections" mapstructure:"max_connections"`
}

type DocumentsConfig struct {
	BaseDir     string   `yaml:"base_dir" mapstructure:"base_dir"`
	Extensions  []string `yaml:"extensions" mapstructure:"extensions"`
	ExcludeDirs []string `yaml:"exclude_dirs" mapstructure:"exclude_dirs"`
	MaxFileSize int64    `yaml:"max_file_size" mapstructure:"max_file_size"`
	MaxDepth    int      `yaml:"max_depth" mapstructure:"max_depth"`
}

type CacheConfig struct {
	MaxBytes      int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	ErrorTTL      time.Duration `yaml:"error_ttl" mapstructure:"error_ttl"`
	RenderTimeout time.Duration `yaml:"render_timeout" mapstructure:"render_timeout"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

type SearchConfig struct {
	SnippetLength int `yaml:"snippet_length" mapstructure:"snippet_length"`
	MaxResults    int `yaml:"max_results" mapstructure:"max_results"`
}

type HubConfig struct {
	QueueDepth   int           `yaml:"queue_depth" mapstructure:"queue_depth"`
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the built-in configuration, used both as viper defaults
// and as the template written by `markview init`.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8383,
			MaxConnections: 256,
		},
		Documents: DocumentsConfig{
			BaseDir:     ".",
			Extensions:  []string{".md", ".markdown"},
			ExcludeDirs: []string{".git", "node_modules", "vendor", ".markview"},
			MaxFileSize: 10 * 1024 * 1024,
			MaxDepth:    0, // unlimited
		},
		Cache: CacheConfig{
			MaxBytes:      64 * 1024 * 1024,
			TTL:           5 * time.Minute,
			ErrorTTL:      5 * time.Second,
			RenderTimeout: 10 * time.Second,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 300 * time.Millisecond,
		},
		Search: SearchConfig{
			SnippetLength: 160,
			MaxResults:    50,
		},
		Hub: HubConfig{
			QueueDepth:   64,
			PingInterval: 30 * time.Second,
			IdleTimeout:  90 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load materializes the configuration from viper's merged sources and
// validates it.
func Load() (*Config, error) {
	config := Default()
	if err := viper.Unmarshal(config); err != nil {
		return nil, errors.NewConfigError("unmarshal", err.Error())
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for values the core cannot operate with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.NewConfigError("server_port", "port must be between 0 and 65535")
	}
	if c.Server.MaxConnections <= 0 {
		return errors.NewConfigError("server_max_connections", "max_connections must be positive")
	}

	info, err := os.Stat(c.Documents.BaseDir)
	if err != nil {
		return errors.NewConfigError("documents_base_dir", "base directory does not exist: "+c.Documents.BaseDir)
	}
	if !info.IsDir() {
		return errors.NewConfigError("documents_base_dir", "base path is not a directory: "+c.Documents.BaseDir)
	}
	if len(c.Documents.Extensions) == 0 {
		return errors.NewConfigError("documents_extensions", "at least one tracked extension is required")
	}
	if c.Documents.MaxFileSize <= 0 {
		return errors.NewConfigError("documents_max_file_size", "max_file_size must be positive")
	}
	if c.Documents.MaxDepth < 0 {
		return errors.NewConfigError("documents_max_depth", "max_depth cannot be negative")
	}

	if c.Cache.MaxBytes <= 0 {
		return errors.NewConfigError("cache_max_bytes", "max_bytes must be positive")
	}
	if c.Cache.TTL <= 0 {
		return errors.NewConfigError("cache_ttl", "ttl must be positive")
	}
	if c.Cache.ErrorTTL <= 0 {
		return errors.NewConfigError("cache_error_ttl", "error_ttl must be positive")
	}
	if c.Cache.RenderTimeout <= 0 {
		return errors.NewConfigError("cache_render_timeout", "render_timeout must be positive")
	}

	if c.Watch.Debounce <= 0 {
		return errors.NewConfigError("watch_debounce", "debounce must be positive")
	}

	if c.Search.SnippetLength <= 0 {
		return errors.NewConfigError("search_snippet_length", "snippet_length must be positive")
	}
	if c.Search.MaxResults <= 0 {
		return errors.NewConfigError("search_max_results", "max_results must be positive")
	}

	if c.Hub.QueueDepth <= 0 {
		return errors.NewConfigError("hub_queue_depth", "queue_depth must be positive")
	}
	if c.Hub.PingInterval <= 0 || c.Hub.IdleTimeout <= c.Hub.PingInterval {
		return errors.NewConfigError("hub_idle_timeout", "idle_timeout must exceed ping_interval")
	}

	return nil
}
