// Package config manages gobgpd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gobgpd configuration.
type Config struct {
	API     APIConfig     `koanf:"api"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	BGP     BGPConfig     `koanf:"bgp"`
	Peers   []PeerConfig  `koanf:"peers"`
}

// APIConfig holds the HTTP API server configuration.
type APIConfig struct {
	// Addr is the API listen address (e.g., ":8179").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9179").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// BGPConfig holds the local speaker parameters and per-peer defaults.
type BGPConfig struct {
	// RouterID is the local BGP Identifier as a dotted quad (RFC 4271
	// Section 1.1). Required, must be a nonzero IPv4 address.
	RouterID string `koanf:"router_id"`

	// LocalAS is the local autonomous system number. Required, nonzero.
	LocalAS uint32 `koanf:"local_as"`

	// ListenAddr is the address the BGP listener binds (default "0.0.0.0").
	ListenAddr string `koanf:"listen_addr"`

	// ListenPort is the BGP listener port (default 179).
	ListenPort uint16 `koanf:"listen_port"`

	// HoldTime is the proposed Hold Time for peers without an override.
	// RFC 4271 Section 4.2: zero disables keepalives, otherwise >= 3s.
	HoldTime time.Duration `koanf:"hold_time"`

	// ConnectRetry is the connect retry interval (RFC 4271 Section 8.2.2).
	ConnectRetry time.Duration `koanf:"connect_retry"`

	// GTSM enables TTL security (RFC 5082) on BGP TCP connections.
	GTSM bool `koanf:"gtsm"`
}

// PeerConfig describes a declarative BGP peer from the configuration file.
// Each entry creates a peer on daemon startup and SIGHUP reload.
type PeerConfig struct {
	// Addr is the peer's IP address. Required.
	Addr string `koanf:"addr"`

	// Port is the peer's BGP port (default 179).
	Port uint16 `koanf:"port"`

	// RemoteAS is the peer's autonomous system number. Required, nonzero.
	RemoteAS uint32 `koanf:"remote_as"`

	// RemoteID is the peer's expected BGP Identifier as a dotted quad.
	// Optional; when set, the Open handshake verifies it and connection
	// collisions resolve without waiting for the peer's Open.
	RemoteID string `koanf:"remote_id"`

	// HoldTime overrides bgp.hold_time for this peer. Zero inherits.
	HoldTime time.Duration `koanf:"hold_time"`

	// ConnectRetry overrides bgp.connect_retry for this peer. Zero inherits.
	ConnectRetry time.Duration `koanf:"connect_retry"`

	// Passive suppresses outbound connection attempts; the peer is
	// reachable only through inbound connections.
	Passive bool `koanf:"passive"`

	// AdminDown creates the peer administratively disabled.
	AdminDown bool `koanf:"admin_down"`
}

// PeerAddr parses the Addr string as a netip.Addr.
func (pc PeerConfig) PeerAddr() (netip.Addr, error) {
	if pc.Addr == "" {
		return netip.Addr{}, fmt.Errorf("peer addr: %w", ErrInvalidPeerAddr)
	}
	addr, err := netip.ParseAddr(pc.Addr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse peer addr %q: %w", pc.Addr, err)
	}
	return addr, nil
}

// AddrPort combines Addr and Port (defaulting to 179) into a netip.AddrPort.
func (pc PeerConfig) AddrPort() (netip.AddrPort, error) {
	addr, err := pc.PeerAddr()
	if err != nil {
		return netip.AddrPort{}, err
	}
	port := pc.Port
	if port == 0 {
		port = 179
	}
	return netip.AddrPortFrom(addr, port), nil
}

// RemoteIDValue parses the optional RemoteID dotted quad into the 32-bit
// BGP Identifier. Returns zero when RemoteID is unset.
func (pc PeerConfig) RemoteIDValue() (uint32, error) {
	if pc.RemoteID == "" {
		return 0, nil
	}
	addr, err := netip.ParseAddr(pc.RemoteID)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("peer remote_id %q: %w", pc.RemoteID, ErrInvalidRemoteID)
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

// RouterIDAddr parses the RouterID string as an IPv4 netip.Addr.
func (bc BGPConfig) RouterIDAddr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(bc.RouterID)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("router_id %q: %w", bc.RouterID, ErrInvalidRouterID)
	}
	b := addr.As4()
	if binary.BigEndian.Uint32(b[:]) == 0 {
		return netip.Addr{}, fmt.Errorf("router_id %q: %w", bc.RouterID, ErrInvalidRouterID)
	}
	return addr, nil
}

// ListenAddrPort combines ListenAddr and ListenPort into a netip.AddrPort.
func (bc BGPConfig) ListenAddrPort() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(bc.ListenAddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse listen_addr %q: %w", bc.ListenAddr, err)
	}
	return netip.AddrPortFrom(addr, bc.ListenPort), nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// BGP timer defaults follow RFC 4271 Section 10: 90 seconds Hold Time and
// 30 seconds ConnectRetry (the RFC's 120s suggestion is widely shortened
// in deployments).
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":8179",
		},
		Metrics: MetricsConfig{
			Addr: ":9179",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		BGP: BGPConfig{
			ListenAddr:   "0.0.0.0",
			ListenPort:   179,
			HoldTime:     90 * time.Second,
			ConnectRetry: 30 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gobgpd configuration.
// Variables are named GOBGPD_<section>_<key>, e.g., GOBGPD_API_ADDR.
const envPrefix = "GOBGPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOBGPD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping (only the first underscore separates the
// section from the key, so multi-word keys survive):
//
//	GOBGPD_API_ADDR      -> api.addr
//	GOBGPD_METRICS_ADDR  -> metrics.addr
//	GOBGPD_METRICS_PATH  -> metrics.path
//	GOBGPD_LOG_LEVEL     -> log.level
//	GOBGPD_LOG_FORMAT    -> log.format
//	GOBGPD_BGP_ROUTER_ID -> bgp.router_id
//	GOBGPD_BGP_LOCAL_AS  -> bgp.local_as
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOBGPD_BGP_ROUTER_ID -> bgp.router_id.
// Strips the GOBGPD_ prefix, lowercases, and replaces only the first
// underscore with a dot so multi-word keys keep their underscores.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"api.addr":          defaults.API.Addr,
		"metrics.addr":      defaults.Metrics.Addr,
		"metrics.path":      defaults.Metrics.Path,
		"log.level":         defaults.Log.Level,
		"log.format":        defaults.Log.Format,
		"bgp.listen_addr":   defaults.BGP.ListenAddr,
		"bgp.listen_port":   defaults.BGP.ListenPort,
		"bgp.hold_time":     defaults.BGP.HoldTime.String(),
		"bgp.connect_retry": defaults.BGP.ConnectRetry.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAPIAddr indicates the API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidRouterID indicates bgp.router_id is missing, not an IPv4
	// address, or zero.
	ErrInvalidRouterID = errors.New("bgp.router_id must be a nonzero IPv4 address")

	// ErrZeroLocalAS indicates bgp.local_as is unset.
	ErrZeroLocalAS = errors.New("bgp.local_as must be nonzero")

	// ErrInvalidHoldTime indicates a hold time below the RFC 4271 minimum.
	ErrInvalidHoldTime = errors.New("hold_time must be zero or at least 3s")

	// ErrInvalidConnectRetry indicates a non-positive connect retry interval.
	ErrInvalidConnectRetry = errors.New("bgp.connect_retry must be > 0")

	// ErrInvalidListenAddr indicates bgp.listen_addr does not parse.
	ErrInvalidListenAddr = errors.New("bgp.listen_addr is invalid")

	// ErrInvalidPeerAddr indicates a peer has an invalid address.
	ErrInvalidPeerAddr = errors.New("peer address is invalid")

	// ErrZeroRemoteAS indicates a peer entry with remote_as unset.
	ErrZeroRemoteAS = errors.New("peer remote_as must be nonzero")

	// ErrInvalidRemoteID indicates a peer remote_id that is not an IPv4
	// dotted quad.
	ErrInvalidRemoteID = errors.New("peer remote_id must be an IPv4 address")

	// ErrDuplicatePeerAddr indicates two peer entries share an address.
	ErrDuplicatePeerAddr = errors.New("duplicate peer address")
)

// minHoldTime is the smallest nonzero Hold Time RFC 4271 Section 4.2 allows.
const minHoldTime = 3 * time.Second

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	if _, err := cfg.BGP.RouterIDAddr(); err != nil {
		return err
	}

	if cfg.BGP.LocalAS == 0 {
		return ErrZeroLocalAS
	}

	if cfg.BGP.HoldTime != 0 && cfg.BGP.HoldTime < minHoldTime {
		return fmt.Errorf("bgp.hold_time %s: %w", cfg.BGP.HoldTime, ErrInvalidHoldTime)
	}

	if cfg.BGP.ConnectRetry <= 0 {
		return ErrInvalidConnectRetry
	}

	if _, err := netip.ParseAddr(cfg.BGP.ListenAddr); err != nil {
		return fmt.Errorf("bgp.listen_addr %q: %w", cfg.BGP.ListenAddr, ErrInvalidListenAddr)
	}

	return validatePeers(cfg.Peers)
}

// validatePeers checks each declarative peer entry for correctness.
func validatePeers(peers []PeerConfig) error {
	seen := make(map[netip.Addr]struct{}, len(peers))

	for i, pc := range peers {
		addr, err := pc.PeerAddr()
		if err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}

		if pc.RemoteAS == 0 {
			return fmt.Errorf("peers[%d]: %w", i, ErrZeroRemoteAS)
		}

		if _, err := pc.RemoteIDValue(); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}

		if pc.HoldTime != 0 && pc.HoldTime < minHoldTime {
			return fmt.Errorf("peers[%d] hold_time %s: %w", i, pc.HoldTime, ErrInvalidHoldTime)
		}

		if pc.ConnectRetry < 0 {
			return fmt.Errorf("peers[%d] connect_retry %s: %w", i, pc.ConnectRetry, ErrInvalidConnectRetry)
		}

		if _, dup := seen[addr]; dup {
			return fmt.Errorf("peers[%d] addr %q: %w", i, pc.Addr, ErrDuplicatePeerAddr)
		}
		seen[addr] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
