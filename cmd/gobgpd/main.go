// gobgpd daemon -- BGP session establishment (RFC 4271).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/wolfguard/gobgpd/internal/bgp"
	"github.com/wolfguard/gobgpd/internal/config"
	bgpmetrics "github.com/wolfguard/gobgpd/internal/metrics"
	"github.com/wolfguard/gobgpd/internal/netio"
	"github.com/wolfguard/gobgpd/internal/server"
	"github.com/wolfguard/gobgpd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainTimeout is the time to wait after setting peers to admin-down
// before proceeding with shutdown. This ensures the final Cease
// notifications are transmitted to peers (RFC 4271 Section 6.7).
const drainTimeout = 2 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging session flaps.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gobgpd starting",
		slog.String("version", version.Version),
		slog.String("router_id", cfg.BGP.RouterID),
		slog.Uint64("local_as", uint64(cfg.BGP.LocalAS)),
		slog.String("api_addr", cfg.API.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Start flight recorder for post-mortem debugging of session flaps.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := bgpmetrics.NewCollector(reg)

	// 6. Wire transport and peer manager around a shared id allocator.
	ids := bgp.NewSessionIDAllocator()
	dialer := netio.NewDialer(ids, netio.Options{GTSM: cfg.BGP.GTSM}, logger)
	mgr := bgp.NewManager(dialer, logger,
		bgp.WithManagerMetrics(collector),
		bgp.WithSessionIDs(ids),
	)
	defer mgr.Close()

	// 7. Run servers.
	if err := runServers(cfg, mgr, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("gobgpd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gobgpd stopped")
	return 0
}

// runServers sets up and runs the BGP listener, the API server, and the
// metrics HTTP server using an errgroup with signal-aware context for
// graceful shutdown.
func runServers(
	cfg *config.Config,
	mgr *bgp.Manager,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	apiSrv, err := newAPIServer(cfg, mgr, logger)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// BGP listener for inbound connections.
	ln, err := newBGPListener(cfg, mgr, logger)
	if err != nil {
		return fmt.Errorf("create BGP listener: %w", err)
	}
	g.Go(func() error {
		return ln.Run(gCtx)
	})

	// State change fan-out for the API event stream.
	g.Go(func() error {
		mgr.RunDispatch(gCtx)
		return nil
	})

	startHTTPServers(gCtx, g, cfg, apiSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, mgr, logger)

	// Reconcile declarative peers from config at startup.
	reconcilePeers(gCtx, cfg, mgr, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, logger, fr, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// newBGPListener binds the BGP listen socket from the configuration.
func newBGPListener(cfg *config.Config, mgr *bgp.Manager, logger *slog.Logger) (*netio.Listener, error) {
	listen, err := cfg.BGP.ListenAddrPort()
	if err != nil {
		return nil, err
	}

	return netio.NewListener(netio.ListenerConfig{
		Addr:    listen.Addr(),
		Port:    listen.Port(),
		Options: netio.Options{GTSM: cfg.BGP.GTSM},
	}, mgr, logger)
}

// startHTTPServers registers the API and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	apiSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("api server listening", slog.String("addr", cfg.API.Addr))
		return listenAndServe(ctx, &lc, apiSrv, cfg.API.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *bgp.Manager,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, mgr, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + peer reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level is updated dynamically via the shared LevelVar,
// and declarative peers are reconciled (new peers created, removed peers
// shut down). Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *bgp.Manager,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, configPath, logLevel, mgr, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path, updates
// the dynamic log level, and reconciles declarative BGP peers.
// Errors during reload are logged but do not stop the daemon -- the
// previous configuration remains in effect.
func reloadConfig(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *bgp.Manager,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	// Update log level.
	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	// Reconcile declarative peers.
	reconcilePeers(ctx, newCfg, mgr, logger)
}

// reconcilePeers diffs the declarative peers from the config against the
// current peer set and creates/removes peers as needed.
func reconcilePeers(
	ctx context.Context,
	cfg *config.Config,
	mgr *bgp.Manager,
	logger *slog.Logger,
) {
	desired := make([]bgp.PeerConfig, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		peerCfg, err := configPeerToBGP(pc, cfg.BGP)
		if err != nil {
			logger.Error("invalid peer config, skipping",
				slog.String("peer", pc.Addr),
				slog.String("error", err.Error()),
			)
			continue
		}
		desired = append(desired, peerCfg)
	}

	added, removed, err := mgr.ReconcilePeers(ctx, desired)
	if err != nil {
		logger.Error("peer reconciliation had errors",
			slog.String("error", err.Error()),
		)
	}

	logger.Info("peer reconciliation complete",
		slog.Int("added", added),
		slog.Int("removed", removed),
	)
}

// configPeerToBGP converts a config.PeerConfig to a bgp.PeerConfig,
// applying speaker-wide defaults where per-peer values are zero.
func configPeerToBGP(pc config.PeerConfig, speaker config.BGPConfig) (bgp.PeerConfig, error) {
	addrPort, err := pc.AddrPort()
	if err != nil {
		return bgp.PeerConfig{}, fmt.Errorf("parse peer address: %w", err)
	}

	routerID, err := speaker.RouterIDAddr()
	if err != nil {
		return bgp.PeerConfig{}, fmt.Errorf("parse router id: %w", err)
	}

	remoteID, err := pc.RemoteIDValue()
	if err != nil {
		return bgp.PeerConfig{}, fmt.Errorf("parse remote id: %w", err)
	}

	holdTime := pc.HoldTime
	if holdTime == 0 {
		holdTime = speaker.HoldTime
	}
	connectRetry := pc.ConnectRetry
	if connectRetry == 0 {
		connectRetry = speaker.ConnectRetry
	}

	return bgp.PeerConfig{
		Addr:         addrPort,
		LocalAS:      speaker.LocalAS,
		RemoteAS:     pc.RemoteAS,
		RouterID:     routerID,
		RemoteID:     remoteID,
		HoldTime:     holdTime,
		ConnectRetry: connectRetry,
		Passive:      pc.Passive,
		AdminDown:    pc.AdminDown,
	}, nil
}

// -------------------------------------------------------------------------
// Graceful Shutdown — drain peers + stop servers
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, drains
// BGP peers to admin-down (Cease with administrative shutdown, RFC 4271
// Section 6.7), dumps flight recorder state, then shuts down HTTP servers.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	mgr *bgp.Manager,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Drain all peers: Cease notifications go out before the sockets die,
	// so remote speakers see an intentional shutdown, not a failure.
	mgr.DrainAllPeers()

	// Wait for the final notifications to be transmitted.
	time.Sleep(drainTimeout)

	// Stop flight recorder.
	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the Go 1.26 FlightRecorder
// for post-mortem debugging of BGP session flaps. The recorder maintains
// a rolling window of execution trace data that can be dumped on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAPIServer creates the HTTP server for the JSON API. The handler is
// wrapped with h2c to support HTTP/2 without TLS, which lets clients
// (e.g., gobgpdctl) multiplex the event stream over plaintext.
func newAPIServer(cfg *config.Config, mgr *bgp.Manager, logger *slog.Logger) (*http.Server, error) {
	routerID, err := cfg.BGP.RouterIDAddr()
	if err != nil {
		return nil, err
	}

	handler := server.New(mgr, server.Defaults{
		RouterID:     routerID,
		LocalAS:      cfg.BGP.LocalAS,
		HoldTime:     cfg.BGP.HoldTime,
		ConnectRetry: cfg.BGP.ConnectRetry,
	}, logger,
		server.RecoveryMiddleware(logger),
		server.LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}

	cfg := config.DefaultConfig()
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate default config: %w", err)
	}
	return cfg, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
