// PIXL imaging worker: consumes the imaging queue, drives studies out of the
// VNA into the raw store under a project tag, and serves the control API the
// CLI uses to adjust consumption rates.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/coordinator"
	"github.com/UCLH-Foundry/PIXL/internal/handler"
	"github.com/UCLH-Foundry/PIXL/internal/orthanc"
	"github.com/UCLH-Foundry/PIXL/internal/queue"
	"github.com/UCLH-Foundry/PIXL/internal/telemetry"
	"github.com/UCLH-Foundry/PIXL/internal/token"
)

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Fatal("configuration failed", zap.Error(err))
	}

	// --- OpenTelemetry Tracer ---
	if cfg.OTelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "pixl-imaging-api", cfg.OTelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTelEndpoint))
		}
	}

	// --- Vault Secret Loading ---
	vaultManager, err := config.NewSecretManager(cfg.VaultAddr, cfg.VaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(cfg.VaultSecretPath)
	if err != nil {
		logger.Fatal("failed to load secrets from Vault", zap.Error(err))
	}
	if err := cfg.ApplySecrets(secrets); err != nil {
		logger.Fatal("incomplete secrets", zap.Error(err))
	}

	// --- Raw image store ---
	raw := orthanc.NewClient(cfg.OrthancRaw, logger)
	if err := raw.Heartbeat(context.Background()); err != nil {
		logger.Warn("raw store unreachable at startup", zap.Error(err))
	}

	// --- NATS JetStream ---
	qc, err := queue.NewClient(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("NATS initialization failed", zap.Error(err))
	}
	defer qc.Close()
	if err := qc.ProvisionStream(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	// --- Imaging queue consumers ---
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	coord := coordinator.New(raw, coordinator.Options{
		VNAModality:     cfg.VNAModality,
		TransferTimeout: cfg.TransferTimeout,
	}, logger)

	// Consumers start paused; the CLI raises the rate when a run begins.
	buckets := make(map[string]*token.Bucket)
	for _, q := range cfg.Queues {
		if q == "export" {
			// The export queue belongs to the export worker.
			continue
		}
		bucket := token.NewBucket(0, token.DefaultCapacity)
		buckets[q] = bucket
		consumer := queue.NewConsumer(qc, q, bucket, coord.ProcessMessage, cfg.MaxUnknownDeliveries, logger)
		if err := consumer.Start(consumerCtx); err != nil {
			logger.Fatal("consumer start failed", zap.String("queue", q), zap.Error(err))
		}
	}

	// --- HTTP Control API (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("pixl-imaging-api"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.RegisterControlRoutes(e, buckets, logger)

	go func() {
		logger.Info("pixl-imaging-api listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("initiating graceful shutdown")
	consumerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}
	qc.Close()
	logger.Info("pixl-imaging-api shut down cleanly")
}
