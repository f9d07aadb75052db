package sessionkey

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config is the on-disk description of one node.
//
//	node_id = 2
//	network_id = 100
//	band = "868"
//	session_key = true
//	session_3acks = true
//	session_wait_ms = 40
//	session_resp_delay_us = 0
//	log_level = "info"
type Config struct {
	NodeID      uint8  `toml:"node_id"`
	NetworkID   uint8  `toml:"network_id"`
	Band        string `toml:"band"`
	Promiscuous bool   `toml:"promiscuous"`

	SessionKey         bool   `toml:"session_key"`
	Session3Acks       bool   `toml:"session_3acks"`
	SessionWaitMs      uint16 `toml:"session_wait_ms"`
	SessionRespDelayUs uint16 `toml:"session_resp_delay_us"`

	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the settings a freshly initialized radio would have
// for node 1 on network 1 at 868 MHz.
func DefaultConfig() Config {
	return Config{
		NodeID:        1,
		NetworkID:     1,
		Band:          "868",
		SessionWaitMs: DefaultWaitTimeMs,
		LogLevel:      "info",
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields Initialize would reject.
func (c Config) Validate() error {
	var errs []error
	if c.NodeID == BroadcastAddress {
		errs = append(errs, fmt.Errorf("%w: node_id %d is the broadcast address", ErrInvalidNodeID, c.NodeID))
	}
	if _, err := ParseBand(c.Band); err != nil {
		errs = append(errs, err)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Level returns the configured zerolog level, info when unset.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Apply initializes r from the config and routes every session option
// through the radio's setters, so their clamping rules hold for file values.
func (c Config) Apply(r *Radio) error {
	band, err := ParseBand(c.Band)
	if err != nil {
		return err
	}
	if err := r.Initialize(band, c.NodeID, c.NetworkID); err != nil {
		return err
	}
	r.Promiscuous(c.Promiscuous)
	r.UseSessionKey(c.SessionKey)
	r.UseSession3Acks(c.Session3Acks)
	r.SessionWaitTime(c.SessionWaitMs)
	r.SessionRespDelayTime(c.SessionRespDelayUs)
	return nil
}

// ParseBand maps "315", "433", "868" or "915" (optionally suffixed "MHz")
// to a FrequencyBand.
func ParseBand(s string) (FrequencyBand, error) {
	switch s {
	case "315", "315MHz":
		return Band315MHz, nil
	case "433", "433MHz":
		return Band433MHz, nil
	case "868", "868MHz":
		return Band868MHz, nil
	case "915", "915MHz":
		return Band915MHz, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidBand, s)
	}
}
