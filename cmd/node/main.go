package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropDatabas3/nodebus/internal/config"
	"github.com/dropDatabas3/nodebus/internal/metrics"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found (%v), using system environment", err)
	}

	cfg, err := config.Load(envOr("CONFIG_PATH", "configs/config.yaml"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "nodebus",
		NodeID:      cfg.Cluster.NodeID,
	})
	defer func() { _ = logger.Sync() }()
	lg := logger.L()

	if err := metrics.RegisterBus(nil); err != nil {
		lg.Fatal("metrics registration failed", logger.Err(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := build(ctx, cfg)
	if err != nil {
		lg.Fatal("node wiring failed", logger.Err(err))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           n.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// sin WriteTimeout: GET /v1/executions puede esperar hasta el techo
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("node ready",
			logger.String("addr", cfg.Server.Addr),
			logger.String("cluster_mode", cfg.Cluster.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutdown requested")
	case err := <-errCh:
		lg.Error("http server failed", logger.Err(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn("http shutdown", logger.Err(err))
	}
	if err := n.close(sctx); err != nil {
		lg.Warn("node shutdown", logger.Err(err))
	}
	lg.Info("node stopped")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
