package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/orderbook-capture/internal/auth"
	"github.com/rickgao/orderbook-capture/internal/config"
	"github.com/rickgao/orderbook-capture/internal/database"
	"github.com/rickgao/orderbook-capture/internal/manager"
	"github.com/rickgao/orderbook-capture/internal/metrics"
	"github.com/rickgao/orderbook-capture/internal/sink"
	"github.com/rickgao/orderbook-capture/internal/version"
)

func main() {
	// Load configuration first; the log level comes from it.
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting capture",
		"version", version.Version,
		"commit", version.Commit,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to the sink store. Unreachable at startup is a bootstrap
	// failure and the only sink condition worth a non-zero exit.
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Kalshi credentials are optional; without them Kalshi listeners are
	// skipped at spawn time.
	var creds *auth.Credentials
	if cfg.KalshiKeyID != "" {
		creds, err = auth.LoadCredentials(cfg.KalshiKeyID, cfg.KalshiPrivateKey, cfg.KalshiPrivateKeyPath)
		if err != nil {
			logger.Error("failed to load kalshi credentials", "error", err)
			os.Exit(1)
		}
		logger.Info("kalshi credentials loaded")
	}

	mets := metrics.New()

	pgSink := sink.NewPostgres(sink.DefaultConfig(), pool, logger)
	if err := pgSink.Start(ctx); err != nil {
		logger.Error("failed to start sink", "error", err)
		os.Exit(1)
	}

	factory := manager.NewFactory(manager.AdapterOptions{
		GammaURL:      config.DefaultPolymarketGammaURL,
		PolymarketWS:  config.DefaultPolymarketWSURL,
		KalshiRestURL: config.DefaultKalshiRestURL,
		KalshiWSURL:   config.DefaultKalshiWSURL,
		Credentials:   creds,
	}, logger)

	sources := []manager.ConfigSource{manager.NewStoreSource(pool, logger)}
	if cfg.ListenersFile != "" {
		logger.Info("using static listeners file", "path", cfg.ListenersFile)
		sources = append(sources, manager.NewFileSource(cfg.ListenersFile))
	}

	mgr := manager.New(
		manager.Config{ReloadInterval: cfg.ReloadInterval},
		factory, sources, pgSink, mets, logger,
	)

	// Health and metrics server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: createHealthHandler(pool, mgr, pgSink),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.MetricsPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Run until a signal arrives.
	mgr.Run(ctx)

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)
	pgSink.Stop(shutdownCtx)

	logger.Info("capture stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// createHealthHandler creates the HTTP handler for health checks and
// Prometheus metrics.
func createHealthHandler(pinger interface {
	Ping(ctx context.Context) error
}, mgr *manager.Manager, pgSink *sink.Postgres) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pinger.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}

		statuses := mgr.Status()
		written, dropped := pgSink.Stats()
		health.Components["listeners"] = statuses
		health.Components["sink"] = map[string]int64{
			"records_written": written,
			"batches_dropped": dropped,
		}
		if len(statuses) == 0 {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
