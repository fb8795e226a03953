package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"dpsim-api/internal/api"
	"dpsim-api/internal/config"
	"dpsim-api/internal/infrastructure"
	"dpsim-api/internal/messaging"
	"dpsim-api/internal/metrics"
	"dpsim-api/internal/orchestrator"
	"dpsim-api/internal/repository"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API, health and metrics servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a config file (default: config.yaml in ., ./config or /etc/dpsim-api)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("=== Starting DPsim API ===", zap.String("version", version))
	logConfig(logger, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close(logger)

	m := metrics.New()
	resolver := infrastructure.NewFileServiceClient(cfg.FileServiceURL, cfg.FileServiceTimeout, logger)

	submissions := orchestrator.NewSubmissionOrchestrator(
		backends.store, backends.store, resolver, backends.dispatcher, cfg.Execution, m, logger)
	retrievals := orchestrator.NewRetrievalOrchestrator(backends.store, resolver, m, logger)

	apiServer := api.NewServer(submissions, retrievals, m, cfg, logger)
	healthServer := newHealthServer(cfg.HealthPort, backends)
	metricsServer := newMetricsServer(cfg.MetricsPort, m)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreClosed(apiServer.Start())
	})
	g.Go(func() error {
		logger.Info("Health server listening", zap.String("addr", cfg.HealthPort))
		return ignoreClosed(healthServer.ListenAndServe())
	})
	g.Go(func() error {
		logger.Info("Metrics server listening", zap.String("addr", cfg.MetricsPort))
		return ignoreClosed(metricsServer.ListenAndServe())
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
		for _, server := range []*http.Server{healthServer, metricsServer} {
			if err := server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("server %s: %w", server.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return err
	}

	logger.Info("=== DPsim API Stopped Gracefully ===")
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func logConfig(logger *zap.Logger, cfg *config.Config) {
	logger.Info("Configuration",
		zap.String("server_port", cfg.ServerPort),
		zap.String("health_port", cfg.HealthPort),
		zap.String("metrics_port", cfg.MetricsPort),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("dispatch_backend", cfg.DispatchBackend),
		zap.String("file_service_url", cfg.FileServiceURL),
		zap.String("executable", cfg.Execution.Executable),
		zap.Duration("request_timeout", cfg.RequestTimeout))
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = level

	return zcfg.Build()
}

// newHealthServer reports healthy only when both the record store and the
// dispatch channel answer.
func newHealthServer(addr string, b *backends) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := b.store.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("store: %v", err), http.StatusServiceUnavailable)
			return
		}
		if err := b.dispatcher.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("dispatch: %v", err), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"dpsim-api","timestamp":"%s"}`,
			time.Now().UTC().Format(time.RFC3339))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func newMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// backends holds the record store and the dispatcher plus any connection
// that neither of them owns.
type backends struct {
	store      repository.Store
	dispatcher messaging.Dispatcher
	closers    []func() error
}

func (b *backends) Close(logger *zap.Logger) {
	if b.dispatcher != nil {
		if err := b.dispatcher.Close(); err != nil {
			logger.Warn("Failed to close dispatcher", zap.Error(err))
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil {
			logger.Warn("Failed to close connection", zap.Error(err))
		}
	}
}
