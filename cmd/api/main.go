package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/cache"
	"github.com/mcclellann/dinheiroRapido/pkg/config"
	"github.com/mcclellann/dinheiroRapido/pkg/ledger"
	"github.com/mcclellann/dinheiroRapido/pkg/logger"
	"github.com/mcclellann/dinheiroRapido/pkg/store"
	"github.com/mcclellann/dinheiroRapido/pkg/validation"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Logging, *logLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, health, err := openStorage(ctx, cfg.Database, zl)
	if err != nil {
		return err
	}
	defer storage.Close()

	opts := []ledger.Option{ledger.WithLogger(zl.Named("ledger"))}
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cache.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, ledger.WithCache(cache.NewRedisStateCache(client, cfg.Redis.TTL, zl.Named("cache"))))
		zl.Info("loan state cache enabled", zap.String("address", cfg.Redis.Address), zap.Duration("ttl", cfg.Redis.TTL))
	}
	l := ledger.NewLedger(storage, opts...)

	validator, err := validation.New()
	if err != nil {
		return err
	}

	server := NewServer(l, validator, zl.Named("http"), health)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Sweep.Interval > 0 {
		go runSweep(ctx, l, cfg.Sweep.Interval, zl)
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server starting", zap.String("addr", httpServer.Addr), zap.String("database", cfg.Database.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStorage opens the configured backend and returns a health check for it.
func openStorage(ctx context.Context, cfg config.DatabaseConfig, zl *zap.Logger) (store.Storage, func(context.Context) error, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLite.Path, zl.Named("store"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		return s, s.Ping, nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, store.PostgresOptions{
			DSN:             cfg.Postgres.GetDSN(),
			MaxOpenConns:    cfg.Postgres.MaxConnections,
			MaxIdleConns:    cfg.Postgres.MaxIdle,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}, zl.Named("store"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize PostgreSQL store: %w", err)
		}
		return s, s.Ping, nil
	case "memory":
		zl.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// runSweep recomputes every loan status once at startup and then on every tick,
// so loans fall overdue without anyone opening them.
func runSweep(ctx context.Context, l *ledger.Ledger, interval time.Duration, zl *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := l.RefreshAllStatuses(ctx); err != nil && ctx.Err() == nil {
			zl.Error("loan status sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
