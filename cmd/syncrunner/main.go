package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/syncrunner/internal/api"
	"github.com/livinlefevreloca/syncrunner/internal/config"
	"github.com/livinlefevreloca/syncrunner/internal/jobs"
	"github.com/livinlefevreloca/syncrunner/internal/orchestrator"
	"github.com/livinlefevreloca/syncrunner/internal/progress"
	"github.com/livinlefevreloca/syncrunner/internal/queue"
	"github.com/livinlefevreloca/syncrunner/internal/stats"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML, or YAML by extension)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "config_file", *configFile, "error", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting syncrunner", "config_file", *configFile)
	if err := run(cfg, logger); err != nil {
		logger.Error("syncrunner stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("syncrunner stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := stats.New(reg)

	// Progress fan-out: every event is logged and offered to stream subscribers
	broker := progress.NewBroker(logger, progress.WithMetrics(metrics))
	defer broker.Close()
	sink := progress.MultiSink{progress.NewLogSink(logger), broker}

	// Execution targets
	targets, err := buildTargets(cfg, metrics, logger)
	if err != nil {
		return err
	}
	orch := orchestrator.New(sink, targets, logger, orchestrator.WithMetrics(metrics))

	// Queue backend, resolved once from configuration
	q, err := queue.New(ctx, cfg.Queue, logger, queue.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	g, gctx := errgroup.WithContext(ctx)

	if topic := cfg.Orchestrator.ImportTopic; topic != "" {
		if _, ok := targets.Lookup(cfg.Orchestrator.ImportTarget); !ok {
			return fmt.Errorf("import target %q is not registered", cfg.Orchestrator.ImportTarget)
		}
		importer := jobs.NewImporter(orch, cfg.Orchestrator.ImportTarget, cfg.Orchestrator.StopTimeout, logger)
		for i := 0; i < cfg.Orchestrator.ImportConsumers; i++ {
			g.Go(func() error {
				return q.Consume(gctx, topic, importer.Handle)
			})
		}
		logger.Info("import consumers started",
			"topic", topic,
			"target", cfg.Orchestrator.ImportTarget,
			"consumers", cfg.Orchestrator.ImportConsumers)
	}

	if _, ok := targets.Lookup(cfg.Orchestrator.DefaultTarget); !ok {
		logger.Warn("sync target is not registered, triggers will fail",
			"target", cfg.Orchestrator.DefaultTarget,
			"registered", targets.Names())
	}

	apiCfg := api.Config{
		SyncTarget:  cfg.Orchestrator.DefaultTarget,
		StopTimeout: cfg.Orchestrator.StopTimeout,
		Progress:    broker,
	}
	if topic := cfg.Orchestrator.ImportTopic; topic != "" {
		apiCfg.QueueTopics = []string{topic}
	}
	if cfg.Metrics.Enabled {
		apiCfg.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		apiCfg.MetricsPath = cfg.Metrics.Path
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      api.New(orch, q, apiCfg, logger).Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g.Go(func() error {
		logger.Info("http api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// buildTargets registers the built-in staging target and every configured
// worker executable.
func buildTargets(cfg *config.Config, metrics *stats.Metrics, logger *slog.Logger) (*orchestrator.Targets, error) {
	targets := orchestrator.NewTargets()

	stagingCfg := cfg.Staging
	stagingCfg.Metrics = metrics
	if err := targets.Register(jobs.StageTargetName, jobs.NewStager(stagingCfg, logger).Target()); err != nil {
		return nil, err
	}

	for _, tc := range cfg.Targets {
		target := &orchestrator.ProcessTarget{
			Command:     tc.Command,
			Args:        tc.Args,
			Env:         tc.Env,
			Dir:         tc.Dir,
			GracePeriod: tc.GracePeriod,
			Logger:      logger.With("target", tc.Name),
		}
		if err := targets.Register(tc.Name, target); err != nil {
			return nil, err
		}
		logger.Info("registered worker target", "target", tc.Name, "command", tc.Command)
	}
	return targets, nil
}
