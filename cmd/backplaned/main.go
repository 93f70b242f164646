// SPDX-License-Identifier: MIT

// Command backplaned runs one replica of the puzzle collaboration
// backplane: the WebSocket client surface, the session router, and the
// probe/metrics endpoints.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/puzzleparty/backplane/internal/backplane"
	"github.com/puzzleparty/backplane/internal/config"
	"github.com/puzzleparty/backplane/internal/health"
	"github.com/puzzleparty/backplane/internal/hub"
	"github.com/puzzleparty/backplane/internal/kv"
	"github.com/puzzleparty/backplane/internal/locks"
	plog "github.com/puzzleparty/backplane/internal/log"
	"github.com/puzzleparty/backplane/internal/registry"
	"github.com/puzzleparty/backplane/internal/store"
	"github.com/puzzleparty/backplane/internal/telemetry"
	"github.com/puzzleparty/backplane/internal/ws"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if *configPath != "" {
		_ = os.Setenv("PUZZLE_CONFIG_FILE", *configPath)
	}

	plog.Configure(plog.Config{Service: "backplaned"})
	logger := plog.WithComponent("daemon")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration invalid")
	}
	plog.SetLevel(cfg.LogLevel)

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("replica terminated")
	}
	logger.Info().Msg("replica stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replicaID := uuid.NewString()
	logger.Info().
		Str("replica_id", replicaID).
		Str("listen_addr", cfg.ListenAddr).
		Str("kv_endpoint", cfg.KVEndpoint).
		Msg("starting replica")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "backplaned",
		ServiceVersion: version,
		ReplicaID:      replicaID,
		ExporterType:   cfg.OTelExporter,
		Endpoint:       cfg.OTelEndpoint,
		SamplingRate:   cfg.OTelSampling,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	kvStore, err := kv.NewRedisStore(kv.RedisConfig{
		Addr:     cfg.KVEndpoint,
		Password: cfg.KVPassword,
		DB:       cfg.KVDB,
	}, plog.WithComponent("kv"))
	if err != nil {
		return fmt.Errorf("kv store: %w", err)
	}
	defer func() { _ = kvStore.Close() }()

	pieces, err := store.Open(cfg.DBPath, store.Tolerances{
		Position: cfg.PositionTolerance,
		Rotation: cfg.RotationTolerance,
	})
	if err != nil {
		return fmt.Errorf("piece store: %w", err)
	}
	defer func() { _ = pieces.Close() }()

	reg := registry.New(kvStore, plog.WithComponent("registry"))
	coordinator := locks.New(kvStore, pieces, cfg.LockTTL, plog.WithComponent("locks"))
	bp := backplane.New(kvStore, replicaID, cfg.ChannelPrefix, plog.WithComponent("backplane"))

	h := hub.New(reg, coordinator, pieces, bp, hub.Options{
		OpDeadline:   cfg.OpDeadline,
		CursorWindow: cfg.CursorWindow,
	}, plog.WithComponent("hub"))

	sweeper := registry.NewSweeper(reg, func(ctx context.Context, connectionID string) {
		h.Disconnect(ctx, connectionID)
	}, cfg.KeepaliveInterval, cfg.IdleTimeout, plog.WithComponent("sweeper"))

	transport := ws.NewServer(h, cfg.IdleTimeout, cfg.KeepaliveInterval, plog.WithComponent("ws"))

	checks := health.NewManager(version, replicaID)
	checks.RegisterChecker(health.NewPingChecker("kv", kvStore))
	checks.RegisterChecker(health.NewPingChecker("store", pieces))
	checks.RegisterChecker(health.NewConnectionsChecker(reg.Count, h.Draining))

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Get("/ws", transport.HandleUpgrade)
	})
	router.Get("/healthz", checks.ServeHealth)
	router.Get("/readyz", checks.ServeReady)
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http listener up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := bp.Run(gctx, h.HandleBackplane)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return config.WatchLogLevel(gctx, cfg.ConfigFile)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Dur("grace", cfg.ShutdownGrace).Msg("shutdown signal received, draining")

		h.BeginShutdown()

		// Give attached clients the grace window, then force-close.
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		waitForDrain(drainCtx, reg)
		cancel()
		h.DrainAll(context.Background())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// waitForDrain blocks until every connection is gone or the grace window
// closes.
func waitForDrain(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if reg.Count() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
