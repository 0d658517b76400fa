package dailyx

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full configuration of a coordinator or worker process.
type Config struct {
	UserID        string `yaml:"user_id"`
	CoordinatorID string `yaml:"coordinator_id"`
	Timezone      string `yaml:"timezone"`
	// DailyAt is the local "HH:MM" at which the daily session starts.
	DailyAt string `yaml:"daily_at"`

	Window             time.Duration `yaml:"window"`
	Grace              time.Duration `yaml:"grace"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	StallThreshold     time.Duration `yaml:"stall_threshold"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	SchedulerInterval  time.Duration `yaml:"scheduler_interval"`
	SignalPoll         time.Duration `yaml:"signal_poll"`

	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	DispatchRate  float64       `yaml:"dispatch_rate"`
	DispatchBurst int           `yaml:"dispatch_burst"`
	Capabilities  []string      `yaml:"capabilities"`

	Retention time.Duration `yaml:"retention"`
	// SkipArchive keeps closed sessions in the live tables.
	SkipArchive bool `yaml:"skip_archive"`

	Database    DatabaseConfig `yaml:"database"`
	Redis       RedisConfig    `yaml:"redis"`
	Queue       string         `yaml:"queue"`
	Log         LogConfig      `yaml:"log"`
	MetricsAddr string         `yaml:"metrics_addr"`
}

func DefaultConfig() Config {
	return Config{
		UserID:             "default",
		CoordinatorID:      "coordinator",
		Timezone:           "UTC",
		DailyAt:            "09:00",
		Window:             10 * time.Minute,
		Grace:              5 * time.Minute,
		CheckpointInterval: 2 * time.Minute,
		StallThreshold:     10 * time.Minute,
		SchedulerInterval:  5 * time.Second,
		SignalPoll:         2 * time.Second,
		MaxAttempts:        3,
		BackoffBase:        time.Second,
		BackoffMax:         10 * time.Second,
		MaxConcurrent:      4,
		Retention:          90 * 24 * time.Hour,
		Database:           DatabaseConfig{Driver: "sqlite", DSN: "file:dailyx.db?_pragma=journal_mode(WAL)"},
		Redis:              RedisConfig{Addr: "127.0.0.1:6379"},
		Queue:              "default",
		Log:                LogConfig{Level: "info", Format: "json"},
		MetricsAddr:        ":9090",
	}
}

// LoadConfig reads path (if non-empty) over the defaults, then applies
// DAILYX_* environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("dailyx: read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("dailyx: parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from DAILYX_<FIELD> variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup("DAILYX_" + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup("DAILYX_" + name); ok {
			d, err := cast.ToDurationE(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("DAILYX_%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup("DAILYX_" + name); ok {
			n, err := cast.ToIntE(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("DAILYX_%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str("USER_ID", &c.UserID)
	str("COORDINATOR_ID", &c.CoordinatorID)
	str("TIMEZONE", &c.Timezone)
	str("DAILY_AT", &c.DailyAt)
	dur("WINDOW", &c.Window)
	dur("GRACE", &c.Grace)
	dur("CHECKPOINT_INTERVAL", &c.CheckpointInterval)
	dur("STALL_THRESHOLD", &c.StallThreshold)
	dur("TASK_TIMEOUT", &c.TaskTimeout)
	dur("SCHEDULER_INTERVAL", &c.SchedulerInterval)
	dur("SIGNAL_POLL", &c.SignalPoll)
	num("MAX_ATTEMPTS", &c.MaxAttempts)
	dur("BACKOFF_BASE", &c.BackoffBase)
	dur("BACKOFF_MAX", &c.BackoffMax)
	num("MAX_CONCURRENT", &c.MaxConcurrent)
	dur("RETENTION", &c.Retention)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("QUEUE", &c.Queue)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("METRICS_ADDR", &c.MetricsAddr)
	if v, ok := lookup("DAILYX_DISPATCH_RATE"); ok {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DAILYX_DISPATCH_RATE: %w", err))
		} else {
			c.DispatchRate = f
		}
	}
	if v, ok := lookup("DAILYX_SKIP_ARCHIVE"); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DAILYX_SKIP_ARCHIVE: %w", err))
		} else {
			c.SkipArchive = b
		}
	}
	if v, ok := lookup("DAILYX_CAPABILITIES"); ok {
		c.Capabilities = cast.ToStringSlice(strings.ReplaceAll(v, ",", " "))
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, _, err := ParseDailyAt(c.DailyAt); err != nil {
		errs = append(errs, err)
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	if c.Grace < 0 || c.Grace >= c.Window {
		errs = append(errs, fmt.Errorf("grace %s must be within window %s", c.Grace, c.Window))
	}
	if c.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("checkpoint_interval must be positive"))
	}
	if c.StallThreshold <= 0 {
		errs = append(errs, errors.New("stall_threshold must be positive"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max_attempts must be at least 1"))
	}
	if c.BackoffBase < 0 || (c.BackoffMax > 0 && c.BackoffMax < c.BackoffBase) {
		errs = append(errs, fmt.Errorf("backoff %s..%s is not a valid range", c.BackoffBase, c.BackoffMax))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, errors.New("max_concurrent must be at least 1"))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database driver %q is not supported", c.Database.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("dailyx: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseDailyAt parses an "HH:MM" start time.
func ParseDailyAt(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("daily_at %q must be HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: c.MaxAttempts, BaseDelay: c.BackoffBase, MaxDelay: c.BackoffMax}
}

func (c Config) SchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrent: c.MaxConcurrent,
		Interval:      c.SchedulerInterval,
		DispatchRate:  c.DispatchRate,
		DispatchBurst: c.DispatchBurst,
	}
}

func (c Config) CheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Interval:       c.CheckpointInterval,
		StallThreshold: c.StallThreshold,
		TaskTimeout:    c.TaskTimeout,
	}
}
