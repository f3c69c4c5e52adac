// PIXL export worker: anonymises instances for the anonymising store,
// consumes the export queue into the report linker table, exports stable
// studies to the project destination, and serves the patient-data export
// endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/deid"
	"github.com/UCLH-Foundry/PIXL/internal/export"
	"github.com/UCLH-Foundry/PIXL/internal/handler"
	"github.com/UCLH-Foundry/PIXL/internal/hasher"
	"github.com/UCLH-Foundry/PIXL/internal/orthanc"
	"github.com/UCLH-Foundry/PIXL/internal/queue"
	"github.com/UCLH-Foundry/PIXL/internal/registry"
	"github.com/UCLH-Foundry/PIXL/internal/telemetry"
	"github.com/UCLH-Foundry/PIXL/internal/token"
)

// projectCreds adapts the Vault secret manager to the exporter's credential
// lookup.
type projectCreds struct {
	vault    *config.SecretManager
	basePath string
}

func (p projectCreds) ProjectUploadCredentials(projectSlug string) (config.UploadCredentials, error) {
	return p.vault.ProjectUploadCredentials(p.basePath, projectSlug)
}

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
		tp, err := telemetry.InitTracer(context.Background(), "pixl-export-api", cfg.OTelEndpoint)
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

	// --- Database Connection Pool (instrumented with OTel) ---
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to parse database url", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	reg := registry.New(pool, logger)

	// --- Hash cache ---
	var cache *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid redis url", zap.Error(err))
		}
		cache = redis.NewClient(opts)
		defer cache.Close()
	}
	hashClient := hasher.New(cfg.HasherURL, cache, logger)

	// --- Anonymisation engine and exporter ---
	anonStore := orthanc.NewClient(cfg.OrthancAnon, logger)
	if err := anonStore.Heartbeat(context.Background()); err != nil {
		logger.Warn("anonymising store unreachable at startup", zap.Error(err))
	}
	engine := deid.NewEngine(cfg.ProjectConfigDir, []byte(cfg.Salt), reg, hashClient, logger)
	creds := projectCreds{vault: vaultManager, basePath: cfg.UploadCredsPath}
	exporter := export.NewExporter(anonStore, reg, creds, cfg.ProjectConfigDir, cfg.DICOMWebServer, logger)

	// --- NATS JetStream: export queue consumer ---
	qc, err := queue.NewClient(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("NATS initialization failed", zap.Error(err))
	}
	defer qc.Close()
	if err := qc.ProvisionStream(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	buckets := map[string]*token.Bucket{
		"export": token.NewBucket(0, token.DefaultCapacity),
	}
	reportConsumer := queue.NewConsumer(qc, "export", buckets["export"],
		export.ReportHandler(reg, hashClient, logger), cfg.MaxUnknownDeliveries, logger)
	if err := reportConsumer.Start(consumerCtx); err != nil {
		logger.Fatal("export consumer start failed", zap.Error(err))
	}

	// --- Stable-study catch-up sweep ---
	sweep := export.NewSweep(exporter, logger)
	if err := sweep.Start(consumerCtx, cfg.SweepSchedule); err != nil {
		logger.Fatal("sweep start failed", zap.Error(err))
	}

	// --- HTTP API (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("pixl-export-api"))
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

	exportHandler := handler.NewExportHandler(engine, exporter, reg, cfg.ExportRoot, logger)
	handler.RegisterExportRoutes(e, exportHandler)
	handler.RegisterControlRoutes(e, buckets, logger)

	go func() {
		logger.Info("pixl-export-api listening", zap.String("addr", cfg.HTTPAddr))
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
	sweep.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}
	qc.Close()
	logger.Info("pixl-export-api shut down cleanly")
}
