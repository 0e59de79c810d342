// Package main is the entry point for the sigil portal server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/archive"
	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/crm"
	"github.com/nasieku/sigil/internal/esign"
	"github.com/nasieku/sigil/internal/lifecycle"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/record"
	"github.com/nasieku/sigil/internal/signing"
	"github.com/nasieku/sigil/internal/transport"
	"github.com/nasieku/sigil/internal/viewcache"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sigil-portal", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Signing provider client.
	tokens, err := esign.NewAccessTokenProvider(cfg.Esign, metrics)
	if err != nil {
		logger.Error("signing provider auth initialization failed", zap.Error(err))
		return 1
	}
	provider := esign.NewClient(cfg.Esign, tokens, metrics)

	// CRM client.
	crmClient, err := crm.NewClient(cfg.CRM, metrics)
	if err != nil {
		logger.Error("crm client initialization failed", zap.Error(err))
		return 1
	}

	// Envelope record store.
	records, recordsCloser, err := buildRecordStore(ctx, cfg.Record, crmClient, logger)
	if err != nil {
		logger.Error("record store initialization failed", zap.Error(err))
		return 1
	}

	// Recipient view cache.
	views, viewsCloser, err := buildViewCache(cfg.ViewCache, logger)
	if err != nil {
		logger.Error("view cache initialization failed", zap.Error(err))
		return 1
	}

	// Completed-envelope archive (optional).
	var archiver lifecycle.Archiver
	if cfg.Archive.Enabled {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.Archive, provider, logger)
		if err != nil {
			logger.Error("archive initialization failed", zap.Error(err))
			return 1
		}
		archiver = s3Archiver
	}

	synchronizer := lifecycle.NewSynchronizer(provider, records, views, crmClient, archiver, cfg.CRM.Deal, logger, metrics)
	sessions := signing.NewManager(provider, synchronizer, crmClient, records, views, cfg.Esign, cfg.ViewCache.FreshnessWindow, logger, metrics)

	verifier, err := transport.NewWebhookVerifier(cfg.Webhook)
	if err != nil {
		logger.Error("webhook verifier initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{}
	if hc, ok := records.(observability.HealthChecker); ok {
		readiness.RecordStore = hc
	}
	if hc, ok := views.(observability.HealthChecker); ok {
		readiness.ViewCache = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Readiness: readiness,
		Sessions:  sessions,
		Status:    synchronizer,
		Records:   records,
		Voider:    provider,
		Verifier:  verifier,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("record_driver", cfg.Record.Driver),
		zap.String("viewcache_driver", cfg.ViewCache.Driver),
		zap.Bool("archive", cfg.Archive.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if recordsCloser != nil {
		recordsCloser()
	}
	if viewsCloser != nil {
		viewsCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildRecordStore creates the envelope record store based on config. The
// CRM store is the default: the record lives next to the deal it describes.
func buildRecordStore(ctx context.Context, cfg config.RecordConfig, crmClient *crm.Client, logger *zap.Logger) (record.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory record store; envelope tracking is lost on restart")
		return record.NewMemoryStore(), nil, nil
	case "crm", "":
		return record.NewCRMStore(crmClient, logger), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("record store: %s environment variable not set", cfg.Postgres.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("record store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("record store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("record store: ping: %w", err)
		}
		return record.NewPgStore(pool, logger), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported record store driver: %q", cfg.Driver)
	}
}

// buildViewCache creates the recipient view cache based on config. Redis is
// the shared option for multi-instance deployments.
func buildViewCache(cfg config.ViewCacheConfig, logger *zap.Logger) (viewcache.Cache, func(), error) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("view cache: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Error("redis close error", zap.Error(err))
			}
		}
		return viewcache.NewRedisCache(client, cfg), closer, nil
	case "memory", "":
		return viewcache.NewMemoryCache(cfg), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported view cache driver: %q", cfg.Driver)
	}
}
