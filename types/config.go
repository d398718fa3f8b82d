package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---- Daemon configuration ----

type Config struct {
	Listen   string         `yaml:"listen"`
	DataDir  string         `yaml:"dataDir"`
	LogLevel string         `yaml:"logLevel"`
	Session  SessionConfig  `yaml:"session"`
	Scan     ScanConfig     `yaml:"scan"`
	Sequence SequenceConfig `yaml:"sequence"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Serial   SerialConfig   `yaml:"serial"`
}

type SessionConfig struct {
	PollIntervalMs       int `yaml:"pollIntervalMs"`
	HistoryWindowMs      int `yaml:"historyWindowMs"`
	MaxConsecutiveErrors int `yaml:"maxConsecutiveErrors"`
	DebounceMs           int `yaml:"debounceMs"`
	CallTimeoutMs        int `yaml:"callTimeoutMs"`
}

// ScanConfig: IntervalMs <= 0 disables periodic rescans. LoadConfig seeds
// the default cadence before parsing, so only an explicit zero disables.
type ScanConfig struct {
	IntervalMs int  `yaml:"intervalMs"`
	Sim        bool `yaml:"sim"`
}

type SequenceConfig struct {
	MinIntervalMs int `yaml:"minIntervalMs"`
}

type TriggerConfig struct {
	EvalIntervalMs     int `yaml:"evalIntervalMs"`
	ProgressIntervalMs int `yaml:"progressIntervalMs"`
}

type SerialConfig struct {
	CommandDelayMs   int `yaml:"commandDelayMs"`
	RequestTimeoutMs int `yaml:"requestTimeoutMs"`
}

func DefaultConfig() Config {
	return Config{
		Listen:   ":8572",
		DataDir:  "data",
		LogLevel: "info",
		Session: SessionConfig{
			PollIntervalMs:       250,
			HistoryWindowMs:      30 * 60 * 1000,
			MaxConsecutiveErrors: 10,
			DebounceMs:           250,
			CallTimeoutMs:        5000,
		},
		Scan: ScanConfig{IntervalMs: 10_000},
		Sequence: SequenceConfig{
			MinIntervalMs: 50,
		},
		Trigger: TriggerConfig{
			EvalIntervalMs:     100,
			ProgressIntervalMs: 500,
		},
		Serial: SerialConfig{
			CommandDelayMs:   50,
			RequestTimeoutMs: 1000,
		},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
// Scan.IntervalMs is left alone: zero there means rescans are off.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Session.PollIntervalMs <= 0 {
		c.Session.PollIntervalMs = d.Session.PollIntervalMs
	}
	if c.Session.HistoryWindowMs <= 0 {
		c.Session.HistoryWindowMs = d.Session.HistoryWindowMs
	}
	if c.Session.MaxConsecutiveErrors <= 0 {
		c.Session.MaxConsecutiveErrors = d.Session.MaxConsecutiveErrors
	}
	if c.Session.DebounceMs <= 0 {
		c.Session.DebounceMs = d.Session.DebounceMs
	}
	if c.Session.CallTimeoutMs <= 0 {
		c.Session.CallTimeoutMs = d.Session.CallTimeoutMs
	}
	if c.Sequence.MinIntervalMs <= 0 {
		c.Sequence.MinIntervalMs = d.Sequence.MinIntervalMs
	}
	if c.Trigger.EvalIntervalMs <= 0 {
		c.Trigger.EvalIntervalMs = d.Trigger.EvalIntervalMs
	}
	if c.Trigger.ProgressIntervalMs <= 0 {
		c.Trigger.ProgressIntervalMs = d.Trigger.ProgressIntervalMs
	}
	if c.Serial.CommandDelayMs <= 0 {
		c.Serial.CommandDelayMs = d.Serial.CommandDelayMs
	}
	if c.Serial.RequestTimeoutMs <= 0 {
		c.Serial.RequestTimeoutMs = d.Serial.RequestTimeoutMs
	}
}

// LoadConfig reads a YAML config. A missing path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Convenience duration accessors.

func (c SessionConfig) PollInterval() time.Duration  { return msDur(c.PollIntervalMs) }
func (c SessionConfig) HistoryWindow() time.Duration { return msDur(c.HistoryWindowMs) }
func (c SessionConfig) Debounce() time.Duration      { return msDur(c.DebounceMs) }
func (c SessionConfig) CallTimeout() time.Duration   { return msDur(c.CallTimeoutMs) }

func (c ScanConfig) Interval() time.Duration { return msDur(c.IntervalMs) }

func (c SequenceConfig) MinInterval() time.Duration { return msDur(c.MinIntervalMs) }

func (c TriggerConfig) EvalInterval() time.Duration     { return msDur(c.EvalIntervalMs) }
func (c TriggerConfig) ProgressInterval() time.Duration { return msDur(c.ProgressIntervalMs) }

func (c SerialConfig) CommandDelay() time.Duration   { return msDur(c.CommandDelayMs) }
func (c SerialConfig) RequestTimeout() time.Duration { return msDur(c.RequestTimeoutMs) }

func msDur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
