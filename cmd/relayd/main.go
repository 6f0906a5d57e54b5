package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/relay/config"
	"github.com/aschepis/backscratcher/relay/ledger"
	relaylogger "github.com/aschepis/backscratcher/relay/logger"
	"github.com/aschepis/backscratcher/relay/proxy"
	"github.com/aschepis/backscratcher/relay/runtime"
	"github.com/aschepis/backscratcher/relay/server"
	"github.com/aschepis/backscratcher/relay/telemetry"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	var (
		configPath = flag.String("config", config.GetConfigPath(), "Path to the relay config file")
		grpcAddr   = flag.String("grpc", "", "TCP address for the gRPC health service (overrides server.grpc)")
		httpAddr   = flag.String("listen", "", "HTTP address for /v1/messages, /metrics and /debug endpoints (overrides metrics.listen)")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath     = flag.String("db", "", "Path to the SQLite usage ledger. Setting it enables the ledger")
	)
	flag.Parse()

	// Validate that --logfile and --pretty are mutually exclusive
	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := relaylogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.LoadProxyConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Command line flags override the config file
	if *grpcAddr != "" {
		cfg.Server.GRPC = *grpcAddr
	}
	if *httpAddr != "" {
		cfg.Metrics.Listen = *httpAddr
	}
	if *dbPath != "" {
		cfg.Ledger.Enabled = true
		cfg.Ledger.Path = *dbPath
	}

	logger.Info().
		Str("config", *configPath).
		Str("grpc", cfg.Server.GRPC).
		Str("listen", cfg.Metrics.Listen).
		Str("model", cfg.Defaults.Model).
		Bool("ledger", cfg.Ledger.Enabled).
		Msg("relayd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---------------------------
	// 1. Upstream client + Proxy
	// ---------------------------

	client, err := config.NewAnthropicClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create upstream client: %w", err)
	}

	collector := telemetry.NewCollector(cfg.TelemetrySettings(), nil)
	p, err := proxy.New(client, cfg.ProxySettings(), logger, proxy.WithObserver(collector))
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	logging := proxy.NewLoggingInterceptor(logger)
	if err := p.AddRequestInterceptor(logging); err != nil {
		return err
	}
	if cfg.Defaults.SystemPrompt != "" {
		if err := p.AddRequestInterceptor(proxy.DefaultSystemPrompt(cfg.Defaults.SystemPrompt)); err != nil {
			return err
		}
	}

	var cache *proxy.Cache
	if !cfg.Cache.Disabled {
		cache = proxy.NewCache(cfg.CacheSettings(), logger)
		if err := p.UseCache(cache); err != nil {
			return fmt.Errorf("failed to install cache: %w", err)
		}
		if err := collector.WatchCache(cache); err != nil {
			return fmt.Errorf("failed to register cache metrics: %w", err)
		}
	} else {
		logger.Info().Msg("Response cache is disabled")
	}

	// ---------------------------
	// 2. Usage ledger + pruning
	// ---------------------------

	var usage server.UsageSource
	if cfg.Ledger.Enabled {
		var db *sql.DB
		db, err = ledger.Open(cfg.Ledger.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open usage ledger: %w", err)
		}
		defer db.Close() //nolint:errcheck // No remedy for db close errors

		store := ledger.NewStore(db, p.InstanceID(), logger)
		if err := p.AddResponseInterceptor(store, proxy.Optional()); err != nil {
			return err
		}
		usage = store

		scheduler, err := runtime.NewScheduler(store, cfg.Ledger.PruneSchedule, cfg.Ledger.Retention, logger)
		if err != nil {
			return fmt.Errorf("failed to create prune scheduler: %w", err)
		}
		go scheduler.Start(ctx)
		logger.Info().Str("path", cfg.Ledger.Path).Msg("Usage ledger enabled")
	}

	if err := p.AddResponseInterceptor(logging); err != nil {
		return err
	}

	// ---------------------------
	// 3. Config reload
	// ---------------------------

	watcher, err := config.NewWatcher(*configPath, config.DefaultDebounceInterval, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Config reload disabled")
	} else {
		go func() {
			err := watcher.Watch(ctx, func(updated *config.ProxyConfig) {
				p.Recorder().SetPrices(updated.Prices)
				logger.Info().Int("models", len(updated.Prices)).Msg("Price table reloaded")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	// ---------------------------
	// 4. gRPC health + HTTP listeners
	// ---------------------------

	srv := server.New(server.Config{Logger: logger})
	serverErr := make(chan error, 2)

	listener, err := net.Listen("tcp", cfg.Server.GRPC)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPC, err)
	}
	go func() {
		serverErr <- srv.Serve(listener)
	}()

	var httpServer *http.Server
	if cfg.Metrics.Listen != "" {
		httpServer = &http.Server{
			Addr: cfg.Metrics.Listen,
			Handler: server.NewHTTPHandler(server.HTTPConfig{
				Proxy:         p,
				Sender:        p,
				Metrics:       collector.Handler(),
				Cache:         cache,
				Usage:         usage,
				Logger:        logger,
				CallerTimeout: cfg.Server.CallerTimeout,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("address", cfg.Metrics.Listen).Msg("Starting HTTP server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	srv.SetServing(true)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			shutdown(logger, cancel, srv, httpServer)
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdown(logger, cancel, srv, httpServer)
	logStats(logger, p.Snapshot())
	logger.Info().Msg("relayd shutdown complete")
	return nil
}

func shutdown(logger zerolog.Logger, cancel context.CancelFunc, srv *server.Server, httpServer *http.Server) {
	srv.SetServing(false)
	cancel()
	if httpServer != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
	}
	srv.GracefulStop()
}

func logStats(logger zerolog.Logger, snap proxy.Snapshot) {
	logger.Info().
		Str("instance_id", snap.InstanceID).
		Uint64("calls", snap.TotalCalls).
		Uint64("successes", snap.Successes).
		Uint64("cache_hits", snap.CacheHits).
		Uint64("retries", snap.TotalRetries).
		Float64("avg_overhead_ms", snap.AverageOverheadMs).
		Float64("cost", snap.CumulativeCost).
		Msg("Final proxy stats")
}
