package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/watchback/internal/utils"
)

var (
	home, _ = os.UserHomeDir()

	DefaultConfigDir    = filepath.Join(home, ".watchback")
	DefaultDataDir      = DefaultConfigDir
	DefaultProfilesFile = filepath.Join(home, ".watchback.json")
	DefaultHTTPAddr     = "127.0.0.1:7938"
)

const (
	DefaultDebounce          = 200 * time.Millisecond
	DefaultReconcileInterval = 10 * time.Minute
	DefaultDrainTimeout      = 30 * time.Second
	DefaultRetryInterval     = 30 * time.Second
	DefaultBatchSize         = 256
)

// Config is the daemon configuration, read through viper from the config
// file, WATCHBACK_* environment variables and flags.
type Config struct {
	DataDir      string       `mapstructure:"data_dir"`
	ProfilesFile string       `mapstructure:"profiles_file"`
	LogLevel     string       `mapstructure:"log_level"`
	HTTP         HTTPConfig   `mapstructure:"http"`
	Engine       EngineConfig `mapstructure:"engine"`
	Path         string       `mapstructure:"-"`
}

type HTTPConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
	// requests per minute per client, zero disables the limiter
	RateLimit int64 `mapstructure:"rate_limit"`
}

type EngineConfig struct {
	Debounce          time.Duration `mapstructure:"debounce"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
}

func Default() *Config {
	return &Config{
		DataDir:      DefaultDataDir,
		ProfilesFile: DefaultProfilesFile,
		LogLevel:     "info",
		HTTP:         HTTPConfig{Addr: DefaultHTTPAddr, RateLimit: 600},
		Engine:       DefaultEngineConfig(),
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Debounce:          DefaultDebounce,
		ReconcileInterval: DefaultReconcileInterval,
		DrainTimeout:      DefaultDrainTimeout,
		RetryInterval:     DefaultRetryInterval,
		BatchSize:         DefaultBatchSize,
	}
}

// Validate resolves paths and fills zero engine settings with defaults.
func (c *Config) Validate() error {
	var err error
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return invalid("data_dir: %v", err)
	}
	if c.ProfilesFile, err = utils.ResolvePath(c.ProfilesFile); err != nil {
		return invalid("profiles_file: %v", err)
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.RateLimit < 0 {
		return invalid("http.rate_limit must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	def := DefaultEngineConfig()
	if c.Engine.Debounce <= 0 {
		c.Engine.Debounce = def.Debounce
	}
	if c.Engine.ReconcileInterval < 0 {
		return invalid("engine.reconcile_interval must not be negative")
	}
	if c.Engine.DrainTimeout <= 0 {
		c.Engine.DrainTimeout = def.DrainTimeout
	}
	if c.Engine.RetryInterval <= 0 {
		c.Engine.RetryInterval = def.RetryInterval
	}
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = def.BatchSize
	}
	return nil
}

func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

// JournalPath is the sqlite file holding the known-hash tables of a profile.
func (c *Config) JournalPath(profile string) string {
	return filepath.Join(c.JournalDir(), safeName(profile)+".db")
}

func (c *Config) LogFilePath() string {
	return filepath.Join(c.DataDir, "logs", "watchback.log")
}

func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, invalid("log_level %q", s)
	}
	return level, nil
}

func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

func (c *Config) String() string {
	return fmt.Sprintf("data_dir=%s profiles_file=%s http=%s", c.DataDir, c.ProfilesFile, c.HTTP.Addr)
}
