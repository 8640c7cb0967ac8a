package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/api"
	"github.com/hdinguyen/mesh-sdk/internal/flow"
	"github.com/hdinguyen/mesh-sdk/internal/metrics"
	"github.com/hdinguyen/mesh-sdk/internal/registry"
	"github.com/hdinguyen/mesh-sdk/internal/store"
	"github.com/hdinguyen/mesh-sdk/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	redisAddr     string
	redisDB       int
	pingInterval  time.Duration
	maxFailures   int
	retryCount    int
	retryDelay    time.Duration
	sweepInterval time.Duration
	maxExecAge    time.Duration
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "mesh-platform",
		Short: "Mesh platform — agent registry and flow orchestration server",
		Long: `Mesh platform is the central component of the mesh agent system.
It exposes a REST API for agent registration and discovery, supervises
registered agents with liveness probes, and executes multi-agent flows
as dependency graphs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("MESH_HTTP_ADDR", ":8000"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("MESH_REDIS_ADDR", "localhost:6379"), "Redis server address")
	root.PersistentFlags().IntVar(&cfg.redisDB, "redis-db", envOrDefaultInt("MESH_REDIS_DB", 0), "Redis database number")
	root.PersistentFlags().DurationVar(&cfg.pingInterval, "ping-interval", envOrDefaultDuration("MESH_PING_INTERVAL", supervisor.DefaultPingInterval), "Interval between agent liveness probes")
	root.PersistentFlags().IntVar(&cfg.maxFailures, "max-failures", envOrDefaultInt("MESH_MAX_FAILURES", supervisor.DefaultMaxFailures), "Consecutive probe failures before an agent is evicted")
	root.PersistentFlags().IntVar(&cfg.retryCount, "retry-count", envOrDefaultInt("MESH_RETRY_COUNT", flow.DefaultRetryCount), "Invocation attempts per agent during flow execution")
	root.PersistentFlags().DurationVar(&cfg.retryDelay, "retry-delay", envOrDefaultDuration("MESH_RETRY_DELAY", flow.DefaultRetryDelay), "Delay between invocation attempts")
	root.PersistentFlags().DurationVar(&cfg.sweepInterval, "sweep-interval", envOrDefaultDuration("MESH_SWEEP_INTERVAL", flow.DefaultSweepInterval), "Interval between orphaned-execution sweeps")
	root.PersistentFlags().DurationVar(&cfg.maxExecAge, "max-execution-age", envOrDefaultDuration("MESH_MAX_EXECUTION_AGE", flow.DefaultMaxExecutionAge), "Age after which a running execution is considered orphaned")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mesh-platform %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting mesh platform",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("redis_addr", cfg.redisAddr),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewRedis(ctx, cfg.redisAddr, cfg.redisDB)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer st.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	reg := registry.New(st, logger)

	sup := supervisor.New(reg, m, logger,
		supervisor.WithPingInterval(cfg.pingInterval),
		supervisor.WithMaxFailures(cfg.maxFailures),
	)
	if err := sup.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore agent supervision: %w", err)
	}

	flows := flow.NewStore(st, version, logger)
	engine := flow.NewEngine(flows, reg, m, logger,
		flow.WithRetryCount(cfg.retryCount),
		flow.WithRetryDelay(cfg.retryDelay),
	)

	sweeper, err := flow.NewSweeper(flows, cfg.sweepInterval, cfg.maxExecAge, logger)
	if err != nil {
		return fmt.Errorf("failed to create execution sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start execution sweeper: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Registry:     reg,
		Supervisor:   sup,
		Flows:        flows,
		Engine:       engine,
		Metrics:      m,
		Logger:       logger,
		PromRegistry: promReg,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down mesh platform")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	sup.CancelAll()
	if err := sweeper.Stop(); err != nil {
		logger.Warn("sweeper shutdown", zap.Error(err))
	}

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
