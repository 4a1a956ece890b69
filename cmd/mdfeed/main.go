// Command mdfeed subscribes FIX sessions to an instrument universe and serves
// the resulting top-of-book cache over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/quickfixgo/quickfix"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/mdfeed/internal/config"
	"github.com/coachpo/mdfeed/internal/discovery"
	"github.com/coachpo/mdfeed/internal/feed"
	"github.com/coachpo/mdfeed/internal/fixwire"
	"github.com/coachpo/mdfeed/internal/infra/persistence"
	"github.com/coachpo/mdfeed/internal/infra/persistence/migrations"
	"github.com/coachpo/mdfeed/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/mdfeed/internal/infra/server/http"
	"github.com/coachpo/mdfeed/internal/observability"
	"github.com/coachpo/mdfeed/internal/subscription"
	"github.com/coachpo/mdfeed/internal/telemetry"
	"github.com/coachpo/mdfeed/internal/universe"
)

const (
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	startupTimeout           = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, fromFile, err := loadConfig(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zapLogger, err := observability.NewZapLogger(observability.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	observability.SetLogger(zapLogger)
	logger := observability.Log()

	if !fromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.Info("configuration initialised",
		observability.F("env", string(cfg.Environment)),
		observability.F("universe_source", cfg.Universe.Source),
		observability.F("discovery_sink", cfg.Discovery.Sink),
		observability.F("fix_enabled", cfg.FIX.Enabled))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return err
	}

	var store *persistence.Store
	if cfg.UsesPostgres() {
		store, err = openDatabase(ctx, logger, cfg.Database)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	source, err := buildUniverseSource(cfg, store)
	if err != nil {
		return err
	}
	sink, err := buildDiscoverySink(cfg, store)
	if err != nil {
		return err
	}

	transport := fixwire.NewTransport()
	mdFeed := feed.New(feedConfig(cfg), source, sink, transport, logger)

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	err = mdFeed.Start(startCtx)
	startCancel()
	if err != nil {
		return fmt.Errorf("start feed: %w", err)
	}
	logger.Info("universe ready",
		observability.F("symbols", mdFeed.UniverseSize()),
		observability.F("loaded", mdFeed.UniverseLoaded()))

	var lifecycle conc.WaitGroup

	app := fixwire.NewApplication(ctx, mdFeed, transport, logger)
	initiator, err := startInitiator(cfg.FIX, app, logger)
	if err != nil {
		mdFeed.Close()
		return err
	}

	apiServer := &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(mdFeed),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("query API listening", observability.F("addr", apiServer.Addr))

	logger.Info("mdfeed started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		initiator:  initiator,
		app:        app,
		feed:       mdFeed,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to the mdfeed configuration file (default: $MDFEED_CONFIG or config/mdfeed.yaml)")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(ctx context.Context, path string) (config.Config, bool, error) {
	cfg, err := config.Load(ctx, path)
	if err == nil {
		return cfg, true, nil
	}
	if path == "" && errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Parse(nil)
		return cfg, false, err
	}
	return config.Config{}, false, err
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.Config) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Telemetry.Enabled
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialised",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openDatabase(ctx context.Context, logger observability.Logger, cfg config.DatabaseConfig) (*persistence.Store, error) {
	if cfg.MigrateOnStart {
		if err := migrations.Apply(ctx, cfg.DSN, "", logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	store, err := persistence.Open(ctx, persistence.Options{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	postgres.ObservePoolMetrics(store.Pool(), "primary")
	return store, nil
}

func buildUniverseSource(cfg config.Config, store *persistence.Store) (universe.Source, error) {
	switch cfg.Universe.Source {
	case config.SourcePostgres:
		if store == nil {
			return nil, errors.New("postgres universe source requires a database")
		}
		return postgres.NewUniverseSource(store.Pool()), nil
	default:
		return universe.NewCSVSource(cfg.Universe.Path), nil
	}
}

func buildDiscoverySink(cfg config.Config, store *persistence.Store) (discovery.Sink, error) {
	switch cfg.Discovery.Sink {
	case config.SinkPostgres:
		if store == nil {
			return nil, errors.New("postgres discovery sink requires a database")
		}
		return postgres.NewDiscoveryStore(store.Pool(), uuid.NewString()), nil
	default:
		return discovery.NewCSVSink(cfg.Discovery.Path), nil
	}
}

func feedConfig(cfg config.Config) feed.Config {
	return feed.Config{
		Subscription: subscription.Config{
			BatchSize:         cfg.Subscription.BatchSize,
			Depth:             cfg.Subscription.Depth,
			UpdateStyle:       cfg.UpdateStyle(),
			RequestRate:       cfg.Subscription.RequestRate,
			CancelWithSymbols: cfg.Subscription.CancelWithSymbols,
		},
		ReloadInterval:      cfg.Universe.ReloadInterval,
		InitialLoadAttempts: cfg.Universe.InitialLoadAttempts,
		InitialLoadBackoff:  cfg.Universe.InitialLoadBackoff,
		AppendTimeout:       cfg.Discovery.AppendTimeout,
	}
}

func startInitiator(cfg config.FIXConfig, app *fixwire.Application, logger observability.Logger) (*quickfix.Initiator, error) {
	if !cfg.Enabled {
		logger.Info("fix initiator disabled")
		return nil, nil
	}
	file, err := os.Open(cfg.SettingsPath) // #nosec G304 -- settings path is controlled by operators.
	if err != nil {
		return nil, fmt.Errorf("open fix settings: %w", err)
	}
	defer func() { _ = file.Close() }()

	settings, err := quickfix.ParseSettings(file)
	if err != nil {
		return nil, fmt.Errorf("parse fix settings: %w", err)
	}
	initiator, err := quickfix.NewInitiator(app, quickfix.NewMemoryStoreFactory(), settings, fixwire.NewLogFactory(logger))
	if err != nil {
		return nil, fmt.Errorf("create fix initiator: %w", err)
	}
	if err := initiator.Start(); err != nil {
		return nil, fmt.Errorf("start fix initiator: %w", err)
	}
	logger.Info("fix initiator started", observability.F("settings", cfg.SettingsPath))
	return initiator, nil
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("query API server", observability.F("error", err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	initiator  *quickfix.Initiator
	app        *fixwire.Application
	feed       *feed.Feed
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.F("error", err))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}
	waitFor := func(stepCtx context.Context, wait func()) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping query API", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.initiator != nil {
		shutdownStep("stopping fix initiator", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.initiator.Stop)
		})
	}

	if cfg.feed != nil {
		shutdownStep("stopping reload scheduler", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.feed.Close)
		})
	}

	shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		return waitFor(stepCtx, func() {
			if cfg.app != nil {
				cfg.app.Wait()
			}
			if cfg.lifecycle != nil {
				cfg.lifecycle.Wait()
			}
		})
	})

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
