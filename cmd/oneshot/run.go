package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/actions/scaleset"
	"github.com/actions/scaleset/listener"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/oneshot/internal/buildinfo"
	"github.com/terrpan/oneshot/internal/config"
	"github.com/terrpan/oneshot/internal/health"
	"github.com/terrpan/oneshot/internal/otel"
	"github.com/terrpan/oneshot/internal/scaler"
)

// shutdownTimeout bounds how long pending teardowns may take on exit.
const shutdownTimeout = 2 * time.Minute

// run registers the scale set and serves jobs until ctx is cancelled.
// Deferred cleanup runs in reverse: runners, scale set, telemetry.
func run(ctx context.Context, cfg *config.Config, cfgPath string) error {
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("engine", cfg.Engine.Type),
		slog.String("scaleSet", cfg.ScaleSet.Name),
		slog.Int("minRunners", cfg.ScaleSet.MinRunners),
		slog.Int("maxRunners", cfg.ScaleSet.MaxRunners),
		slog.Int("terminationWorkers", cfg.Termination.Workers),
	)

	reg := newRegistry()
	stopTelemetry, err := otel.Setup(ctx, cfg.OTelSetup(reg))
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := stopTelemetry(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	client, err := cfg.NewScalesetClient()
	if err != nil {
		return fmt.Errorf("creating scaleset client: %w", err)
	}
	set, err := registerScaleSet(ctx, client, cfg)
	if err != nil {
		return err
	}
	logger.Info("runner scale set registered", slog.Int("scaleSetID", set.ID), slog.String("name", set.Name))
	defer func() {
		logger.Info("deleting runner scale set", slog.Int("scaleSetID", set.ID))
		if err := client.DeleteRunnerScaleSet(context.WithoutCancel(ctx), set.ID); err != nil {
			logger.Error("deleting runner scale set", slog.Int("scaleSetID", set.ID), slog.String("error", err.Error()))
		}
	}()

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	pool := cfg.NewWorkerPool(logger)

	sc, err := scaler.New(scaler.Config{
		ScaleSetID:     set.ID,
		MinRunners:     cfg.ScaleSet.MinRunners,
		MaxRunners:     cfg.ScaleSet.MaxRunners,
		ScalesetClient: client,
		Engine:         eng,
		Pool:           pool,
		Logger:         logger.WithGroup("scaler"),
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := sc.Shutdown(ctx); err != nil {
			logger.Error("scaler shutdown", slog.String("error", err.Error()))
		}
	}()

	session, err := client.MessageSessionClient(ctx, set.ID, sessionOwner(logger))
	if err != nil {
		return fmt.Errorf("creating message session: %w", err)
	}
	defer session.Close(context.Background())

	l, err := listener.New(session, listener.Config{
		ScaleSetID: set.ID,
		MaxRunners: cfg.ScaleSet.MaxRunners,
		Logger:     logger.WithGroup("listener"),
	})
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	var ready atomic.Bool
	if cfg.ServerEnabled() {
		srv := newServer(cfg, reg, &ready, func() health.Runners {
			st := sc.Stats()
			return health.Runners{
				Idle:                st.Idle,
				Busy:                st.Busy,
				Draining:            st.Draining,
				Accepting:           st.Accepting,
				PendingTerminations: pool.Pending(),
			}
		})
		stopServer := serve(srv, logger)
		defer stopServer(context.WithoutCancel(ctx))
	}

	logger.Info("starting listener")
	ready.Store(true)
	err = l.Run(ctx, sc)
	ready.Store(false)
	if !errors.Is(err, context.Canceled) {
		return fmt.Errorf("listener: %w", err)
	}
	logger.Info("shutting down gracefully")
	return nil
}

// registerScaleSet creates the scale set in its runner group and tags
// the client with the scale set id for later API calls.
func registerScaleSet(ctx context.Context, client *scaleset.Client, cfg *config.Config) (*scaleset.RunnerScaleSet, error) {
	groupID := 1
	if cfg.ScaleSet.RunnerGroup != scaleset.DefaultRunnerGroup {
		group, err := client.GetRunnerGroupByName(ctx, cfg.ScaleSet.RunnerGroup)
		if err != nil {
			return nil, fmt.Errorf("looking up runner group %q: %w", cfg.ScaleSet.RunnerGroup, err)
		}
		groupID = group.ID
	}

	set, err := client.CreateRunnerScaleSet(ctx, &scaleset.RunnerScaleSet{
		Name:          cfg.ScaleSet.Name,
		RunnerGroupID: groupID,
		Labels:        cfg.ScaleSetLabels(),
		RunnerSetting: scaleset.RunnerSetting{DisableUpdate: true},
	})
	if err != nil {
		return nil, fmt.Errorf("creating runner scale set: %w", err)
	}

	client.SetSystemInfo(scaleset.SystemInfo{
		System:     "terrpan-oneshot",
		Subsystem:  "cli",
		Version:    buildinfo.Version,
		CommitSHA:  buildinfo.Commit,
		ScaleSetID: set.ID,
	})
	return set, nil
}

// sessionOwner names this process in the message session.
func sessionOwner(logger *slog.Logger) string {
	host, err := os.Hostname()
	if err == nil {
		return host
	}
	owner := uuid.NewString()
	logger.Warn("hostname unavailable, using a random session owner",
		slog.String("owner", owner),
		slog.String("error", err.Error()),
	)
	return owner
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newServer(cfg *config.Config, reg *prometheus.Registry, ready *atomic.Bool, stats health.StatsFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(cfg.Engine.Type, stats))
	mux.Handle("/readyz", health.ReadyHandler(ready.Load))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serve starts srv in the background and returns its stop function.
func serve(srv *http.Server, logger *slog.Logger) func(context.Context) {
	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.String("error", err.Error()))
		}
	}()
	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown", slog.String("error", err.Error()))
		}
	}
}
