// Package config loads the optional pipeline tuning file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"densitymap/pkg/progressive"
	"densitymap/pkg/spatial"
	"densitymap/pkg/viewport"
)

// Config holds the knobs a deployment may recalibrate.
type Config struct {
	Server   string        `yaml:"server"` // base URL the watch client talks to
	Debounce time.Duration `yaml:"debounce"`
	Preview  Preview       `yaml:"preview"`
	Tiers    Tiers         `yaml:"tiers"`
	Cache    Cache         `yaml:"cache"`
}

type Preview struct {
	Ceiling int `yaml:"ceiling"`
	Divisor int `yaml:"divisor"`
}

type Tiers struct {
	Population *viewport.Tiers `yaml:"population"`
	Pollution  *viewport.Tiers `yaml:"pollution"`
}

type Cache struct {
	TTL time.Duration `yaml:"ttl"`
}

// Default returns the stock configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.fill()
	return cfg
}

// Load reads path. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fill() {
	if c.Server == "" {
		c.Server = "http://127.0.0.1:8765"
	}
	if c.Debounce == 0 {
		c.Debounce = viewport.DefaultDebounce
	}
	if c.Preview.Ceiling == 0 {
		c.Preview.Ceiling = progressive.DefaultPreviewCeiling
	}
	if c.Preview.Divisor == 0 {
		c.Preview.Divisor = progressive.DefaultPreviewDivisor
	}
	if c.Tiers.Population == nil {
		t := viewport.DefaultTiers(spatial.Population)
		c.Tiers.Population = &t
	}
	if c.Tiers.Pollution == nil {
		t := viewport.DefaultTiers(spatial.Pollution)
		c.Tiers.Pollution = &t
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
}

// Validate checks ranges and that budgets never shrink as zoom grows.
func (c *Config) Validate() error {
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	if c.Preview.Ceiling < 0 || c.Preview.Divisor < 0 {
		return fmt.Errorf("preview ceiling and divisor must not be negative")
	}
	if err := c.Tiers.Population.Validate(); err != nil {
		return fmt.Errorf("population tiers: %w", err)
	}
	if err := c.Tiers.Pollution.Validate(); err != nil {
		return fmt.Errorf("pollution tiers: %w", err)
	}
	return nil
}

// TiersFor returns the ladder for d.
func (c *Config) TiersFor(d spatial.Domain) *viewport.Tiers {
	if d == spatial.Pollution {
		return c.Tiers.Pollution
	}
	return c.Tiers.Population
}
