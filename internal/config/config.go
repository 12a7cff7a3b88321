// Package config holds the static plan, seed and protocol configuration.
// Everything here is loaded once at process start and read-only afterwards,
// so it is safely shared across concurrent operations without locking.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Limiter types.
const (
	LimiterCount = "count" // each admitted request costs 1
	LimiterQuota = "quota" // each admitted request costs its byte volume
)

// LimiterSpec is one named rate window inside a plan.
type LimiterSpec struct {
	Seconds int64  `toml:"seconds"` // slot width
	Rate    int64  `toml:"rate"`    // budget per slot
	Type    string `toml:"type"`    // count (default) or quota
}

// Plan is a pricing tier. Sizes are bytes, lifetimes seconds.
type Plan struct {
	MaxSize     int64                  `toml:"max_size"`
	MaxLifetime int64                  `toml:"max_lifetime"`
	Lifetime    int64                  `toml:"lifetime"`
	Limiters    map[string]LimiterSpec `toml:"limiters"`
}

// Seed capability types.
const (
	TypeBoss      = "boss"
	TypeWriter    = "writer"
	TypeUpdater   = "updater"
	TypeReader    = "reader"
	TypeItem      = "item"
	TypeIntent    = "intent"
	TypeWatchable = "watchable"
)

// Seed binds a capability type and plan to a signing secret and the literal
// name prefix its coupons start with. Real coupon prefixes append derived
// suffixes (typically the account id), so lookup is by prefix match.
type Seed struct {
	Type  string `toml:"type"`
	Plan  string `toml:"plan"`
	Name  string `toml:"name"`
	Value string `toml:"value"`
	// Boss lists the capability types a boss seed may be swapped for.
	Boss []string `toml:"boss,omitempty"`
}

// AccountBearing reports whether coupons of this seed type embed an account
// id in the token's extension field.
func (s Seed) AccountBearing() bool {
	switch s.Type {
	case TypeBoss, TypeWriter, TypeUpdater, TypeReader, TypeItem, TypeIntent, TypeWatchable:
		return true
	}
	return false
}

// Settings are the protocol constants.
type Settings struct {
	DefaultDays       int           // default coupon lifetime
	IntentLifetime    time.Duration // update lease window
	PlusALittle       time.Duration // slack added to watchable expiries
	SlotLimitLifetime time.Duration // limiter record retention
	SweepGrace        time.Duration // how far behind the expiry sweep runs
}

// Config is the full static configuration.
type Config struct {
	APIName  string          `toml:"api_name"`
	Version  string          `toml:"version"`
	AlgoKey  string          `toml:"algo_key"`
	Plans    map[string]Plan `toml:"plans"`
	Seeds    []Seed          `toml:"seeds"`
	Settings Settings        `toml:"-"`
}

// Default returns the built-in configuration: the three stock plans and a
// development seed table. Deployments override secrets with a TOML file.
func Default() *Config {
	cfg := &Config{
		APIName: "efx",
		Version: "2.3.0",
		AlgoKey: "efx-dev-algo",
		Plans: map[string]Plan{
			"a": {
				MaxSize:     500000,
				MaxLifetime: 10800,
				Lifetime:    3600,
				Limiters: map[string]LimiterSpec{
					"burst":      {Seconds: 30, Rate: 30},
					"minute":     {Seconds: 120, Rate: 60},
					"day":        {Seconds: 86400, Rate: 2000},
					"dailywrite": {Seconds: 86400, Rate: 10240000, Type: LimiterQuota},
				},
			},
			"b": {
				MaxSize:     1000000,
				MaxLifetime: 86400,
				Lifetime:    3600,
				Limiters: map[string]LimiterSpec{
					"burst":      {Seconds: 30, Rate: 60},
					"minute":     {Seconds: 120, Rate: 180},
					"day":        {Seconds: 86400, Rate: 20000},
					"dailywrite": {Seconds: 86400, Rate: 102400000, Type: LimiterQuota},
				},
			},
			"x": {
				MaxSize:     1000000,
				MaxLifetime: 14400,
				Lifetime:    3600,
				Limiters: map[string]LimiterSpec{
					"burst":      {Seconds: 30, Rate: 60},
					"minute":     {Seconds: 120, Rate: 200},
					"day":        {Seconds: 86400, Rate: 10000},
					"dailywrite": {Seconds: 86400, Rate: 51200000, Type: LimiterQuota},
				},
			},
		},
		Settings: DefaultSettings(),
	}
	for _, plan := range []string{"a", "b", "x"} {
		cfg.Seeds = append(cfg.Seeds, devSeeds(plan)...)
	}
	return cfg
}

// DefaultSettings returns the stock protocol constants.
func DefaultSettings() Settings {
	return Settings{
		DefaultDays:       28,
		IntentLifetime:    15 * time.Second,
		PlusALittle:       2 * time.Second,
		SlotLimitLifetime: 48 * time.Hour,
		SweepGrace:        2 * time.Minute,
	}
}

// devSeeds builds the development seed family for one plan. Prefixes encode
// the type and plan so that every seed name is a unique literal prefix.
func devSeeds(plan string) []Seed {
	mk := func(typ, short string) Seed {
		return Seed{
			Type:  typ,
			Plan:  plan,
			Name:  short + plan + "k",
			Value: fmt.Sprintf("dev-%s-%s-secret", typ, plan),
		}
	}
	boss := mk(TypeBoss, "b")
	boss.Boss = []string{TypeWriter, TypeUpdater, TypeReader}
	return []Seed{
		boss,
		mk(TypeWriter, "w"),
		mk(TypeUpdater, "u"),
		mk(TypeReader, "r"),
		mk(TypeItem, "i"),
		mk(TypeIntent, "n"),
		mk(TypeWatchable, "s"),
	}
}

// fileConfig is the TOML shape; durations come in as strings.
type fileConfig struct {
	APIName           string          `toml:"api_name"`
	Version           string          `toml:"version"`
	AlgoKey           string          `toml:"algo_key"`
	Plans             map[string]Plan `toml:"plans"`
	Seeds             []Seed          `toml:"seeds"`
	DefaultDays       int             `toml:"default_days"`
	IntentLifetime    string          `toml:"intent_lifetime"`
	SlotLimitLifetime string          `toml:"slot_limit_lifetime"`
}

// Load returns the defaults overridden by the TOML file at path. An empty
// path returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if meta.IsDefined("api_name") {
		cfg.APIName = raw.APIName
	}
	if meta.IsDefined("version") {
		cfg.Version = raw.Version
	}
	if meta.IsDefined("algo_key") {
		cfg.AlgoKey = raw.AlgoKey
	}
	if meta.IsDefined("plans") {
		cfg.Plans = raw.Plans
	}
	if meta.IsDefined("seeds") {
		cfg.Seeds = raw.Seeds
	}
	if meta.IsDefined("default_days") {
		cfg.Settings.DefaultDays = raw.DefaultDays
	}
	if meta.IsDefined("intent_lifetime") {
		d, err := time.ParseDuration(raw.IntentLifetime)
		if err != nil {
			return nil, fmt.Errorf("parse intent_lifetime: %w", err)
		}
		cfg.Settings.IntentLifetime = d
	}
	if meta.IsDefined("slot_limit_lifetime") {
		d, err := time.ParseDuration(raw.SlotLimitLifetime)
		if err != nil {
			return nil, fmt.Errorf("parse slot_limit_lifetime: %w", err)
		}
		cfg.Settings.SlotLimitLifetime = d
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for id, p := range c.Plans {
		if p.MaxSize <= 0 || p.Lifetime <= 0 || p.MaxLifetime <= 0 {
			return fmt.Errorf("plan %q: sizes and lifetimes must be positive", id)
		}
		for name, l := range p.Limiters {
			if l.Seconds <= 0 || l.Rate <= 0 {
				return fmt.Errorf("plan %q limiter %q: seconds and rate must be positive", id, name)
			}
			if l.Type != "" && l.Type != LimiterCount && l.Type != LimiterQuota {
				return fmt.Errorf("plan %q limiter %q: unknown type %q", id, name, l.Type)
			}
		}
	}
	for _, s := range c.Seeds {
		if len(s.Value) < 6 {
			return fmt.Errorf("seed %q: secret must be at least 6 characters", s.Name)
		}
		if s.Name == "" || s.Type == "" {
			return fmt.Errorf("seed %q: name and type are required", s.Name)
		}
		if _, ok := c.Plans[s.Plan]; !ok {
			return fmt.Errorf("seed %q: unknown plan %q", s.Name, s.Plan)
		}
	}
	return nil
}
