// Package appconf holds process configuration: which role this process
// plays (phone, watch, widget), where the shared store and companion
// socket live, and the refresh tunables. Values come from a JSON config
// file, command-line flags, or both; flags win.
package appconf

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Environment determines runtime behavior such as log formats and
// whether debug endpoints are served.
type Environment int

const (
	Development Environment = iota
	Test
	Production
)

// EnvFromString maps a config string onto an Environment. Unknown
// values map to Development.
func EnvFromString(s string) Environment {
	switch s {
	case "production":
		return Production
	case "test":
		return Test
	default:
		return Development
	}
}

func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Test:
		return "test"
	default:
		return "development"
	}
}

// Role identifies which process of the system this instance runs as.
// The three roles share the same store file but differ in capability:
// phone and watch may fetch from the network, widgets may not.
type Role string

const (
	RolePhone  Role = "phone"
	RoleWatch  Role = "watch"
	RoleWidget Role = "widget"
)

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	return r == RolePhone || r == RoleWatch || r == RoleWidget
}

// CanFetch reports whether this role is allowed to reach the network
// promptly. Widget processes are network-constrained and must request
// fetches through the shared-store mailbox instead.
func (r Role) CanFetch() bool {
	return r == RolePhone || r == RoleWatch
}

// Config is the resolved process configuration.
type Config struct {
	Role       Role
	APIBaseURL string
	DataPath   string // shared SQLite store; ":memory:" in tests
	SocketPath string // companion channel socket base path; empty disables the channel. The phone listens on <path>.phone, the watch on <path>.watch.
	Port       int    // ops HTTP server
	Env        Environment
	Verbose    bool

	// Home coordinate used to resolve the closest station.
	HomeLat float64
	HomeLon float64

	// Tunables, all defaulted by Defaults.
	RequestSpacing time.Duration // minimum gap between outbound API requests
	CacheTTL       time.Duration // per-process station cache lifetime
	FallbackMaxAge time.Duration // how long last-known-good data stays usable
}

// Defaults returns a Config with every tunable set to its standard
// value and the phone role selected.
func Defaults() Config {
	return Config{
		Role:           RolePhone,
		Port:           4000,
		Env:            Development,
		RequestSpacing: 2 * time.Second,
		CacheTTL:       60 * time.Second,
		FallbackMaxAge: 600 * time.Second,
	}
}

// JSONConfig mirrors the config file layout. Field names use kebab-case
// to match the flag names.
type JSONConfig struct {
	Role       string  `json:"role"`
	APIBaseURL string  `json:"api-base-url"`
	DataPath   string  `json:"data-path"`
	SocketPath string  `json:"socket-path"`
	Port       int     `json:"port"`
	Env        string  `json:"env"`
	Verbose    bool    `json:"verbose"`
	HomeLat    float64 `json:"home-lat"`
	HomeLon    float64 `json:"home-lon"`

	RequestSpacingSeconds int `json:"request-spacing-seconds"`
	CacheTTLSeconds       int `json:"cache-ttl-seconds"`
	FallbackMaxAgeSeconds int `json:"fallback-max-age-seconds"`
}

// LoadFromFile reads and validates a JSON config file.
func LoadFromFile(path string) (*JSONConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg JSONConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *JSONConfig) validate() error {
	if c.Role != "" && !Role(c.Role).Valid() {
		return fmt.Errorf("unknown role %q (want phone, watch, or widget)", c.Role)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RequestSpacingSeconds < 0 || c.CacheTTLSeconds < 0 || c.FallbackMaxAgeSeconds < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// ToConfig merges the file values over the defaults. Zero values in the
// file leave the default in place.
func (c *JSONConfig) ToConfig() Config {
	cfg := Defaults()

	if c.Role != "" {
		cfg.Role = Role(c.Role)
	}
	if c.APIBaseURL != "" {
		cfg.APIBaseURL = c.APIBaseURL
	}
	if c.DataPath != "" {
		cfg.DataPath = c.DataPath
	}
	if c.SocketPath != "" {
		cfg.SocketPath = c.SocketPath
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.Env != "" {
		cfg.Env = EnvFromString(c.Env)
	}
	cfg.Verbose = c.Verbose
	if c.HomeLat != 0 {
		cfg.HomeLat = c.HomeLat
	}
	if c.HomeLon != 0 {
		cfg.HomeLon = c.HomeLon
	}
	if c.RequestSpacingSeconds != 0 {
		cfg.RequestSpacing = time.Duration(c.RequestSpacingSeconds) * time.Second
	}
	if c.CacheTTLSeconds != 0 {
		cfg.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	}
	if c.FallbackMaxAgeSeconds != 0 {
		cfg.FallbackMaxAge = time.Duration(c.FallbackMaxAgeSeconds) * time.Second
	}

	return cfg
}
