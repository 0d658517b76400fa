package dailyx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dailyx.yaml")
	raw := `
user_id: alice
timezone: Europe/Berlin
daily_at: "07:30"
window: 2h
grace: 15m
max_attempts: 5
capabilities: [email, calendar]
database:
  driver: postgres
  dsn: postgres://localhost/dailyx
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DAILYX_MAX_CONCURRENT", "8")
	t.Setenv("DAILYX_CAPABILITIES", "browser,email")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.UserID != "alice" || cfg.Timezone != "Europe/Berlin" || cfg.DailyAt != "07:30" {
		t.Fatalf("identity not loaded: %#v", cfg)
	}
	if cfg.Window != 2*time.Hour || cfg.Grace != 15*time.Minute || cfg.MaxAttempts != 5 {
		t.Fatalf("timing not loaded: %#v", cfg)
	}
	if cfg.MaxConcurrent != 8 {
		t.Fatalf("env override ignored: %d", cfg.MaxConcurrent)
	}
	if strings.Join(cfg.Capabilities, ",") != "browser,email" {
		t.Fatalf("capabilities: %v", cfg.Capabilities)
	}
	if cfg.Database.Driver != "postgres" || cfg.StallThreshold != 10*time.Minute {
		t.Fatalf("defaults or nested values lost: %#v", cfg)
	}
	if p := cfg.RetryPolicy(); p.MaxAttempts != 5 || p.BaseDelay != time.Second {
		t.Fatalf("retry policy: %#v", p)
	}
}

func TestConfig_ApplyEnvErrors(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"DAILYX_WINDOW":        "soon",
		"DAILYX_MAX_ATTEMPTS":  "three",
		"DAILYX_SKIP_ARCHIVE":  "true",
		"DAILYX_DISPATCH_RATE": "2.5",
	}
	err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err == nil {
		t.Fatalf("bad values accepted")
	}
	for _, name := range []string{"DAILYX_WINDOW", "DAILYX_MAX_ATTEMPTS"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error does not name %s: %v", name, err)
		}
	}
	if !cfg.SkipArchive || cfg.DispatchRate != 2.5 {
		t.Fatalf("valid values not applied: %#v", cfg)
	}
	if cfg.Window != 10*time.Minute {
		t.Fatalf("invalid value overwrote default: %s", cfg.Window)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"timezone": func(c *Config) { c.Timezone = "Nowhere/City" },
		"daily_at": func(c *Config) { c.DailyAt = "9am" },
		"grace":    func(c *Config) { c.Grace = c.Window },
		"attempts": func(c *Config) { c.MaxAttempts = 0 },
		"backoff":  func(c *Config) { c.BackoffBase, c.BackoffMax = time.Minute, time.Second },
		"driver":   func(c *Config) { c.Database.Driver = "mysql" },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: invalid config accepted", name)
		}
	}
	if h, m, err := ParseDailyAt("21:05"); err != nil || h != 21 || m != 5 {
		t.Fatalf("ParseDailyAt: %d %d %v", h, m, err)
	}
}
