// Package config loads the server configuration from a JSON file,
// applying defaults for anything unset.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/panelworks/signage/internal/logger"
)

// Config is the top-level server configuration.
type Config struct {
	ListenAddr string        `json:"listen_addr"`
	DataDir    string        `json:"data_dir"`
	TLS        TLSConfig     `json:"tls"`
	Heartbeat  Heartbeat     `json:"heartbeat"`
	Command    Command       `json:"command"`
	Log        logger.Config `json:"log"`
}

// TLSConfig selects the transport security mode.
type TLSConfig struct {
	// Mode is one of "off", "selfsigned", "acme", "custom".
	Mode     string   `json:"mode"`
	Domains  []string `json:"domains,omitempty"`   // acme mode
	CertFile string   `json:"cert_file,omitempty"` // custom mode
	KeyFile  string   `json:"key_file,omitempty"`  // custom mode
}

// Heartbeat controls the liveness sweep.
type Heartbeat struct {
	SweepInterval Duration `json:"sweep_interval"`
	WarningAfter  Duration `json:"warning_after"`
	OfflineAfter  Duration `json:"offline_after"`
}

// Command controls dispatch behaviour.
type Command struct {
	Timeout Duration `json:"timeout"`
	// Retries is applied only to commands marked idempotent. At most one
	// retry is honoured.
	Retries int `json:"retries"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		ListenAddr: ":8443",
		DataDir:    "data",
		TLS:        TLSConfig{Mode: "selfsigned"},
		Heartbeat: Heartbeat{
			SweepInterval: Duration(30 * time.Second),
			WarningAfter:  Duration(90 * time.Second),
			OfflineAfter:  Duration(180 * time.Second),
		},
		Command: Command{
			Timeout: Duration(30 * time.Second),
			Retries: 0,
		},
		Log: logger.Config{Level: "info"},
	}
}

// Load reads the JSON config at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.TLS.Mode {
	case "off", "selfsigned", "custom":
	case "acme":
		if len(c.TLS.Domains) == 0 {
			return fmt.Errorf("tls mode acme requires at least one domain")
		}
	default:
		return fmt.Errorf("unknown tls mode %q", c.TLS.Mode)
	}

	if c.Heartbeat.WarningAfter >= c.Heartbeat.OfflineAfter {
		return fmt.Errorf("heartbeat warning_after must be below offline_after")
	}
	if c.Heartbeat.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat sweep_interval must be positive")
	}
	if c.Command.Retries < 0 || c.Command.Retries > 1 {
		return fmt.Errorf("command retries must be 0 or 1")
	}
	return nil
}
