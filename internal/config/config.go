// Package config loads and watches the JSON configuration for both the chatd
// server and the client-side call stack.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server Server `json:"server"`
	Store  Store  `json:"store"`
	Auth   Auth   `json:"auth"`
	ICE    ICE    `json:"ice"`
	Call   Call   `json:"call"`
	Typing Typing `json:"typing"`
}

type Server struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

type Store struct {
	// Directory holding chat.db. Created on first open.
	Dir string `json:"dir"`
}

// Auth is the stand-in for the external auth collaborator: a static
// bearer-token → user-id table. Anything beyond that (sessions, signup)
// lives outside this system.
type Auth struct {
	Tokens map[string]string `json:"tokens"`
}

type TurnServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// ICE lists traversal servers for call setup: STUN first, TURN fallback.
// This section is hot-reloadable via Watch.
type ICE struct {
	Stun              []string     `json:"stun"`
	Turn              []TurnServer `json:"turn"`
	CandidatePoolSize int          `json:"candidate_pool_size"`
}

type Call struct {
	MaxRetries    int `json:"max_retries"`
	RetryDelaySec int `json:"retry_delay_sec"`

	// RingTimeoutSec > 0 auto-fails an unanswered outgoing call. 0 keeps the
	// original behavior: calling rings until the peer reacts.
	RingTimeoutSec int `json:"ring_timeout_sec"`

	// ICE liveness tuning. The pion default disconnectedTimeout of 5s is too
	// aggressive for relay paths with short outages.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_sec"`
}

type Typing struct {
	DebounceMs int `json:"debounce_ms"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.EnsureDefaults()
	return cfg
}

// EnsureDefaults fills every unset field so configs written by older versions
// keep working.
func (c *Config) EnsureDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5002
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "data"
	}
	if c.Auth.Tokens == nil {
		c.Auth.Tokens = map[string]string{}
	}
	if len(c.ICE.Stun) == 0 {
		c.ICE.Stun = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun.cloudflare.com:3478",
		}
	}
	if len(c.ICE.Turn) == 0 {
		c.ICE.Turn = []TurnServer{
			{
				URLs:       []string{"turn:global.relay.metered.ca:80", "turn:global.relay.metered.ca:443"},
				Username:   "free",
				Credential: "free",
			},
		}
	}
	if c.ICE.CandidatePoolSize == 0 {
		c.ICE.CandidatePoolSize = 10
	}
	if c.Call.MaxRetries == 0 {
		c.Call.MaxRetries = 3
	}
	if c.Call.RetryDelaySec == 0 {
		c.Call.RetryDelaySec = 3
	}
	if c.Call.DisconnectedTimeoutSec == 0 {
		c.Call.DisconnectedTimeoutSec = 30
	}
	if c.Call.FailedTimeoutSec == 0 {
		c.Call.FailedTimeoutSec = 120
	}
	if c.Call.KeepAliveIntervalSec == 0 {
		c.Call.KeepAliveIntervalSec = 2
	}
	if c.Typing.DebounceMs == 0 {
		c.Typing.DebounceMs = 500
	}
}

// Load reads the config at path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate rejects configs that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Call.MaxRetries < 0 {
		return fmt.Errorf("call.max_retries must be >= 0")
	}
	if c.Call.RetryDelaySec < 0 {
		return fmt.Errorf("call.retry_delay_sec must be >= 0")
	}
	for _, t := range c.ICE.Turn {
		if len(t.URLs) == 0 {
			return fmt.Errorf("turn server entry without urls")
		}
	}
	return nil
}

// Addr returns the listen address for the server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
