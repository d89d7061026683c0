package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"eggsync/internal/api"
	"eggsync/internal/auth"
	"eggsync/internal/config"
	"eggsync/internal/db"
	"eggsync/internal/egg"
	"eggsync/internal/gormstore"
	"eggsync/internal/telemetry"
	"eggsync/internal/upstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, "eggsync-api", cfg.OTELEndpoint)
	if err != nil {
		logger.Error("tracing setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "driver", cfg.DBDriver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	fetcher := upstream.New(upstream.Options{
		BaseURL:       cfg.UpstreamBaseURL,
		ClientVersion: cfg.ClientVersion,
		Timeout:       cfg.UpstreamTimeout,
		MaxTries:      cfg.UpstreamMaxTries,
	}, logger)

	server := api.New(logger, api.Deps{
		Auth:     auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		Users:    st,
		Accounts: egg.NewManager(st, logger),
		Sync: egg.NewSynchronizer(st, fetcher, logger, egg.SyncOptions{
			MinInterval: cfg.MinFetchInterval,
			LeaseTTL:    cfg.RefreshLeaseTTL,
		}),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("eggsync api listening", "addr", cfg.Addr, "driver", cfg.DBDriver)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.APIConfig, logger *slog.Logger) (egg.Store, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{})
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return db.NewStore(pool, logger), pool.Close, nil
	case config.DriverSQLite, config.DriverMySQL:
		dsn := cfg.SQLitePath
		if cfg.DBDriver == config.DriverMySQL {
			dsn = cfg.MySQLDSN
		}
		s, err := gormstore.Open(ctx, gormstore.Config{
			Driver: cfg.DBDriver,
			DSN:    dsn,
			Debug:  strings.EqualFold(cfg.LogLevel, "debug"),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported driver %q", cfg.DBDriver)
	}
}

func newLogger(cfg config.APIConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
