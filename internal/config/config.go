// Package config loads photosync settings from file, environment, and
// flags via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/viper"
)

// Remote holds upload target settings.
type Remote struct {
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	DeviceID string `mapstructure:"device_id"`
}

// Upload holds pipeline tuning.
type Upload struct {
	HashConcurrency   int  `mapstructure:"hash_concurrency"`
	UploadConcurrency int  `mapstructure:"upload_concurrency"`
	CheckConcurrency  int  `mapstructure:"check_concurrency"`
	ChecksumPrecheck  bool `mapstructure:"checksum_precheck"`
	ReplaceChanged    bool `mapstructure:"replace_changed"`
	DisableHashing    bool `mapstructure:"disable_hashing"`
}

// Retry holds export retry tuning.
type Retry struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	BaseTimeout time.Duration `mapstructure:"base_timeout"`
}

// Log holds logging settings.
type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Config is the full application configuration.
type Config struct {
	Mode        string `mapstructure:"mode"`
	Destination string `mapstructure:"destination"`
	WorkDir     string `mapstructure:"work_dir"`
	Domain      string `mapstructure:"domain"`
	AlbumSync   bool   `mapstructure:"album_sync"`
	FailureDir  string `mapstructure:"failure_dir"`

	Remote Remote `mapstructure:"remote"`
	Upload Upload `mapstructure:"upload"`
	Retry  Retry  `mapstructure:"retry"`
	Log    Log    `mapstructure:"log"`

	Dashboard struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"dashboard"`
}

// DefaultDir is where photosync keeps its state (manifest, logs,
// session snapshots) unless overridden.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".photosync"
	}
	return filepath.Join(home, ".photosync")
}

// ManifestPath returns the manifest database location for a config.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.stateDir(), "manifest.db")
}

func (c *Config) stateDir() string {
	if c.WorkDir != "" {
		return c.WorkDir
	}
	return DefaultDir()
}

// Load reads configuration from the given file (optional), the default
// search paths, and PHOTOSYNC_* environment variables.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PHOTOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("photosync")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine: defaults plus environment.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "incremental")
	v.SetDefault("domain", "photos")
	v.SetDefault("work_dir", DefaultDir())

	v.SetDefault("upload.hash_concurrency", 4)
	v.SetDefault("upload.upload_concurrency", 4)
	v.SetDefault("upload.check_concurrency", 6)
	v.SetDefault("upload.checksum_precheck", true)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.base_timeout", 2*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("dashboard.port", 8095)
}

// ParseDate parses a --from/--to argument. Absolute forms
// ("2024-06-01", RFC 3339) are tried first, then natural language
// ("last tuesday", "3 months ago") relative to now.
func ParseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	return r.Time, nil
}
