// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Task      TaskConfig        `mapstructure:"task" yaml:"task"`
	Store     StoreConfig       `mapstructure:"store" yaml:"store"`
	Database  DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Control   ControlConfig     `mapstructure:"control" yaml:"control"`
	Driver    DriverConfig      `mapstructure:"driver" yaml:"driver"`
	Profile   map[string]string `mapstructure:"profile" yaml:"profile"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the browser process hosting the execution surface.
type BrowserConfig struct {
	Headless        bool   `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool   `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	// RemoteURL attaches to an already running Chrome (DevTools websocket URL)
	// instead of launching one. Surfaces then survive process restarts.
	RemoteURL     string        `mapstructure:"remote_url" yaml:"remote_url"`
	UserDataDir   string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	WindowWidth   int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight  int           `mapstructure:"window_height" yaml:"window_height"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// SchedulerConfig tunes the inter-task pacing.
type SchedulerConfig struct {
	DefaultDelay time.Duration `mapstructure:"default_delay" yaml:"default_delay"`
	JitterRatio  float64       `mapstructure:"jitter_ratio" yaml:"jitter_ratio"`
}

// TaskConfig holds the per-task state machine timings.
type TaskConfig struct {
	LoadTimeout       time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	BaseTimeout       time.Duration `mapstructure:"base_timeout" yaml:"base_timeout"`
	ExtendedTimeout   time.Duration `mapstructure:"extended_timeout" yaml:"extended_timeout"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	SuccessCloseGrace time.Duration `mapstructure:"success_close_grace" yaml:"success_close_grace"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is one of "file", "sqlite" or "postgres".
	Backend  string `mapstructure:"backend" yaml:"backend"`
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	// Path overrides the default state file/database location inside StateDir.
	Path string `mapstructure:"path" yaml:"path"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ControlConfig configures the command/event server.
type ControlConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	AuthSecret string `mapstructure:"auth_secret" yaml:"-"`
}

// DriverConfig tunes the reference automation driver.
type DriverConfig struct {
	KeystrokesPerSecond float64       `mapstructure:"keystrokes_per_second" yaml:"keystrokes_per_second"`
	VerifyWait          time.Duration `mapstructure:"verify_wait" yaml:"verify_wait"`
	ScriptTimeout       time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoreg")
	v.SetDefault("logger.log_file", "autoreg.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	// Automation needs a rendering foreground page, so headed is the default.
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.launch_timeout", "30s")

	// -- Scheduler --
	v.SetDefault("scheduler.default_delay", "5s")
	v.SetDefault("scheduler.jitter_ratio", 0.2)

	// -- Task --
	v.SetDefault("task.load_timeout", "30s")
	v.SetDefault("task.settle_delay", "2s")
	v.SetDefault("task.base_timeout", "15s")
	v.SetDefault("task.extended_timeout", "90s")
	v.SetDefault("task.probe_timeout", "5s")
	v.SetDefault("task.success_close_grace", "3s")

	// -- Store --
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.state_dir", "~/.autoreg")

	// -- Control --
	v.SetDefault("control.listen_addr", "127.0.0.1:8765")

	// -- Driver --
	v.SetDefault("driver.keystrokes_per_second", 25.0)
	v.SetDefault("driver.verify_wait", "4s")
	v.SetDefault("driver.script_timeout", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("database.url", "AUTOREG_DATABASE_URL")
	v.BindEnv("control.auth_secret", "AUTOREG_CONTROL_AUTH_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Task.BaseTimeout <= 0 {
		return fmt.Errorf("task.base_timeout must be a positive duration")
	}
	if c.Task.ExtendedTimeout < c.Task.BaseTimeout {
		return fmt.Errorf("task.extended_timeout must not be shorter than task.base_timeout")
	}
	if c.Task.LoadTimeout <= 0 {
		return fmt.Errorf("task.load_timeout must be a positive duration")
	}
	if c.Scheduler.JitterRatio < 0 || c.Scheduler.JitterRatio > 1 {
		return fmt.Errorf("scheduler.jitter_ratio must be between 0.0 and 1.0")
	}
	if c.Scheduler.DefaultDelay < 0 {
		return fmt.Errorf("scheduler.default_delay must not be negative")
	}
	if err := c.Store.Validate(c.Database); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the store configuration against the selected backend.
func (s *StoreConfig) Validate(db DatabaseConfig) error {
	switch strings.ToLower(s.Backend) {
	case "file", "sqlite":
		if s.StateDir == "" && s.Path == "" {
			return fmt.Errorf("store.state_dir or store.path is required for the %s backend", s.Backend)
		}
	case "postgres":
		if db.URL == "" {
			return fmt.Errorf("database.url is required for the postgres backend. Ensure AUTOREG_DATABASE_URL is set")
		}
	default:
		return fmt.Errorf("unknown store.backend %q (expected file, sqlite or postgres)", s.Backend)
	}
	return nil
}
