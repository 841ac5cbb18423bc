package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"quiz-access-service/internal/access"
	"quiz-access-service/internal/logging"
	"quiz-access-service/internal/poller"
	"quiz-access-service/internal/results"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		// TrustProxy takes the client address from the first X-Forwarded-For hop.
		TrustProxy bool `yaml:"trustProxy"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret"`
		TokenTTL  string `yaml:"tokenTTL"`
	} `yaml:"auth"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL              string `yaml:"ttl"`
		InstructionsLead string `yaml:"instructionsLead"`
		SubmitGrace      string `yaml:"submitGrace"`
		// EntryRate is password attempts per minute allowed per (quiz, student).
		EntryRate  float64 `yaml:"entryRate"`
		EntryBurst int     `yaml:"entryBurst"`
	} `yaml:"quiz"`
	Poller struct {
		Interval     string `yaml:"interval"`
		AccessWindow string `yaml:"accessWindow"`
		StartWindow  string `yaml:"startWindow"`
		MaxFailures  int    `yaml:"maxFailures"`
	} `yaml:"poller"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"log"`
	Bands []results.Threshold `yaml:"bands"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := results.NewBands(c.Bands); err != nil {
		return err
	}
	if c.Quiz.EntryRate < 0 || c.Quiz.EntryBurst < 0 {
		return fmt.Errorf("quiz entry rate and burst must not be negative")
	}
	return nil
}

// InstructionsLead is how long before start instructions open.
func (c Config) InstructionsLead() time.Duration {
	return TTLDuration(c.Quiz.InstructionsLead, access.DefaultInstructionsLead)
}

// PollerPolicy builds the polling schedule; unset fields keep their defaults.
func (c Config) PollerPolicy() poller.Policy {
	def := poller.DefaultPolicy()
	return poller.Policy{
		Interval:         TTLDuration(c.Poller.Interval, def.Interval),
		InstructionsLead: c.InstructionsLead(),
		AccessWindow:     TTLDuration(c.Poller.AccessWindow, def.AccessWindow),
		StartWindow:      TTLDuration(c.Poller.StartWindow, def.StartWindow),
		MaxFailures:      c.Poller.MaxFailures,
	}
}

// ResultBands returns the configured performance bands, or the defaults.
func (c Config) ResultBands() results.Bands {
	b, err := results.NewBands(c.Bands)
	if err != nil {
		return results.DefaultBands()
	}
	return b
}

func (c Config) Logging() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
