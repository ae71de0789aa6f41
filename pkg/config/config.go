package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "60s" or "24h" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all tunables. Every field has a default; a missing file or
// a partial file is fine.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Store struct {
		BusyTimeout Duration `yaml:"busy_timeout"`
		MaxRetries  int      `yaml:"max_retries"`
		RetryBase   Duration `yaml:"retry_base"`
	} `yaml:"store"`

	RateLimit struct {
		Capacity        int     `yaml:"capacity"`
		RefillPerSecond float64 `yaml:"refill_per_second"`
	} `yaml:"rate_limit"`

	Breaker struct {
		FailureThreshold int      `yaml:"failure_threshold"`
		OpenFor          Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	Maintenance struct {
		Interval        Duration `yaml:"interval"`
		VacuumFreePages int      `yaml:"vacuum_free_pages"`
	} `yaml:"maintenance"`

	Registry struct {
		ActiveWithin   Duration `yaml:"active_within"`
		DegradedWithin Duration `yaml:"degraded_within"`
	} `yaml:"registry"`

	JobBoard struct {
		StaleAfter Duration `yaml:"stale_after"`
	} `yaml:"job_board"`

	Ask struct {
		DefaultTimeout Duration `yaml:"default_timeout"`
	} `yaml:"ask"`

	HTTP struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"http"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = "./switchboard-data"
	cfg.Log.Level = "info"
	cfg.Store.BusyTimeout = Duration(5 * time.Second)
	cfg.Store.MaxRetries = 5
	cfg.Store.RetryBase = Duration(50 * time.Millisecond)
	cfg.RateLimit.Capacity = 100
	cfg.RateLimit.RefillPerSecond = 10
	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.OpenFor = Duration(60 * time.Second)
	cfg.Maintenance.Interval = Duration(60 * time.Second)
	cfg.Maintenance.VacuumFreePages = 1000
	cfg.Registry.ActiveWithin = Duration(60 * time.Second)
	cfg.Registry.DegradedWithin = Duration(300 * time.Second)
	cfg.JobBoard.StaleAfter = Duration(24 * time.Hour)
	cfg.Ask.DefaultTimeout = Duration(30 * time.Second)
	cfg.HTTP.ListenAddr = "127.0.0.1:9311"
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Store.BusyTimeout.Std() < 5*time.Second {
		return fmt.Errorf("store.busy_timeout must be at least 5s")
	}
	if c.Store.MaxRetries < 1 || c.Store.MaxRetries > 5 {
		return fmt.Errorf("store.max_retries must be between 1 and 5")
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillPerSecond <= 0 {
		return fmt.Errorf("rate_limit capacity and refill must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.OpenFor.Std() < 60*time.Second {
		return fmt.Errorf("breaker.open_for must be at least 60s")
	}
	if c.Maintenance.Interval.Std() <= 0 {
		return fmt.Errorf("maintenance.interval must be positive")
	}
	return nil
}
