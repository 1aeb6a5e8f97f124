package config_test

import (
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wolfguard/gobgpd/internal/config"
)

// validConfig returns defaults completed with the required speaker
// identity, ready to pass validation.
func validConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BGP.RouterID = "192.0.2.1"
	cfg.BGP.LocalAS = 65001
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.API.Addr != ":8179" {
		t.Errorf("API.Addr = %q, want %q", cfg.API.Addr, ":8179")
	}

	if cfg.Metrics.Addr != ":9179" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9179")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.BGP.ListenPort != 179 {
		t.Errorf("BGP.ListenPort = %d, want 179", cfg.BGP.ListenPort)
	}

	if cfg.BGP.HoldTime != 90*time.Second {
		t.Errorf("BGP.HoldTime = %v, want %v", cfg.BGP.HoldTime, 90*time.Second)
	}

	if cfg.BGP.ConnectRetry != 30*time.Second {
		t.Errorf("BGP.ConnectRetry = %v, want %v", cfg.BGP.ConnectRetry, 30*time.Second)
	}

	// Defaults plus the required speaker identity must pass validation.
	if err := config.Validate(validConfig()); err != nil {
		t.Errorf("completed defaults failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
api:
  addr: ":60000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
bgp:
  router_id: "10.0.0.1"
  local_as: 65001
  listen_port: 1179
  hold_time: "30s"
  connect_retry: "15s"
  gtsm: true
peers:
  - addr: "192.0.2.2"
    remote_as: 65002
    remote_id: "10.0.0.2"
  - addr: "192.0.2.3"
    remote_as: 65003
    passive: true
    admin_down: true
    hold_time: "60s"
    connect_retry: "45s"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.API.Addr != ":60000" {
		t.Errorf("API.Addr = %q, want %q", cfg.API.Addr, ":60000")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want debug/text", cfg.Log)
	}

	if cfg.BGP.RouterID != "10.0.0.1" || cfg.BGP.LocalAS != 65001 {
		t.Errorf("BGP identity = %q/%d, want 10.0.0.1/65001", cfg.BGP.RouterID, cfg.BGP.LocalAS)
	}

	if cfg.BGP.ListenPort != 1179 {
		t.Errorf("BGP.ListenPort = %d, want 1179", cfg.BGP.ListenPort)
	}

	if cfg.BGP.HoldTime != 30*time.Second {
		t.Errorf("BGP.HoldTime = %v, want 30s", cfg.BGP.HoldTime)
	}

	if cfg.BGP.ConnectRetry != 15*time.Second {
		t.Errorf("BGP.ConnectRetry = %v, want 15s", cfg.BGP.ConnectRetry)
	}

	if !cfg.BGP.GTSM {
		t.Error("BGP.GTSM = false, want true")
	}

	if len(cfg.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(cfg.Peers))
	}

	first := cfg.Peers[0]
	if first.Addr != "192.0.2.2" || first.RemoteAS != 65002 {
		t.Errorf("Peers[0] = %+v, want 192.0.2.2/65002", first)
	}
	if id, err := first.RemoteIDValue(); err != nil || id != 0x0a000002 {
		t.Errorf("Peers[0].RemoteIDValue() = %#x, %v; want 0x0a000002", id, err)
	}

	second := cfg.Peers[1]
	if !second.Passive || !second.AdminDown {
		t.Errorf("Peers[1] flags = %+v, want passive+admin_down", second)
	}
	if second.HoldTime != 60*time.Second {
		t.Errorf("Peers[1].HoldTime = %v, want 60s", second.HoldTime)
	}
	if second.ConnectRetry != 45*time.Second {
		t.Errorf("Peers[1].ConnectRetry = %v, want 45s", second.ConnectRetry)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only the required identity and a log override.
	// Everything else should inherit from defaults.
	yamlContent := `
log:
  level: "warn"
bgp:
  router_id: "10.0.0.1"
  local_as: 65001
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.API.Addr != ":8179" {
		t.Errorf("API.Addr = %q, want default %q", cfg.API.Addr, ":8179")
	}

	if cfg.Metrics.Addr != ":9179" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want defaults", cfg.Metrics)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.BGP.ListenAddr != "0.0.0.0" || cfg.BGP.ListenPort != 179 {
		t.Errorf("BGP listener = %q:%d, want defaults", cfg.BGP.ListenAddr, cfg.BGP.ListenPort)
	}

	if cfg.BGP.HoldTime != 90*time.Second {
		t.Errorf("BGP.HoldTime = %v, want default 90s", cfg.BGP.HoldTime)
	}

	if cfg.BGP.ConnectRetry != 30*time.Second {
		t.Errorf("BGP.ConnectRetry = %v, want default 30s", cfg.BGP.ConnectRetry)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty api addr",
			modify: func(cfg *config.Config) {
				cfg.API.Addr = ""
			},
			wantErr: config.ErrEmptyAPIAddr,
		},
		{
			name: "missing router id",
			modify: func(cfg *config.Config) {
				cfg.BGP.RouterID = ""
			},
			wantErr: config.ErrInvalidRouterID,
		},
		{
			name: "ipv6 router id",
			modify: func(cfg *config.Config) {
				cfg.BGP.RouterID = "2001:db8::1"
			},
			wantErr: config.ErrInvalidRouterID,
		},
		{
			name: "zero router id",
			modify: func(cfg *config.Config) {
				cfg.BGP.RouterID = "0.0.0.0"
			},
			wantErr: config.ErrInvalidRouterID,
		},
		{
			name: "zero local as",
			modify: func(cfg *config.Config) {
				cfg.BGP.LocalAS = 0
			},
			wantErr: config.ErrZeroLocalAS,
		},
		{
			name: "hold time below minimum",
			modify: func(cfg *config.Config) {
				cfg.BGP.HoldTime = 2 * time.Second
			},
			wantErr: config.ErrInvalidHoldTime,
		},
		{
			name: "zero connect retry",
			modify: func(cfg *config.Config) {
				cfg.BGP.ConnectRetry = 0
			},
			wantErr: config.ErrInvalidConnectRetry,
		},
		{
			name: "bad listen addr",
			modify: func(cfg *config.Config) {
				cfg.BGP.ListenAddr = "not-an-addr"
			},
			wantErr: config.ErrInvalidListenAddr,
		},
		{
			name: "peer without addr",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerConfig{{RemoteAS: 65002}}
			},
			wantErr: config.ErrInvalidPeerAddr,
		},
		{
			name: "peer without remote as",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerConfig{{Addr: "192.0.2.2"}}
			},
			wantErr: config.ErrZeroRemoteAS,
		},
		{
			name: "peer with bad remote id",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerConfig{
					{Addr: "192.0.2.2", RemoteAS: 65002, RemoteID: "2001:db8::2"},
				}
			},
			wantErr: config.ErrInvalidRemoteID,
		},
		{
			name: "peer hold time below minimum",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerConfig{
					{Addr: "192.0.2.2", RemoteAS: 65002, HoldTime: time.Second},
				}
			},
			wantErr: config.ErrInvalidHoldTime,
		},
		{
			name: "duplicate peer addr",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerConfig{
					{Addr: "192.0.2.2", RemoteAS: 65002},
					{Addr: "192.0.2.2", RemoteAS: 65003},
				}
			},
			wantErr: config.ErrDuplicatePeerAddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPeerAddrPort(t *testing.T) {
	t.Parallel()

	pc := config.PeerConfig{Addr: "192.0.2.2", RemoteAS: 65002}

	got, err := pc.AddrPort()
	if err != nil {
		t.Fatalf("AddrPort() error: %v", err)
	}
	if want := netip.MustParseAddrPort("192.0.2.2:179"); got != want {
		t.Errorf("AddrPort() = %v, want %v", got, want)
	}

	pc.Port = 1179
	got, err = pc.AddrPort()
	if err != nil {
		t.Fatalf("AddrPort() error: %v", err)
	}
	if got.Port() != 1179 {
		t.Errorf("AddrPort().Port() = %d, want 1179", got.Port())
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "gobgpd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
