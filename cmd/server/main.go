package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sunminimart/backend/internal/cache"
	"sunminimart/backend/internal/config"
	"sunminimart/backend/internal/httpapi"
	"sunminimart/backend/internal/ledger"
	"sunminimart/backend/internal/logging"
	"sunminimart/backend/internal/service"
	"sunminimart/backend/internal/settlement"
	"sunminimart/backend/internal/store"
	"sunminimart/backend/internal/store/memory"
	mysqlstore "sunminimart/backend/internal/store/mysql"
	pgstore "sunminimart/backend/internal/store/postgres"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 8 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	repo, closeRepo, err := openRepository(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeRepo)

	opts := []service.Option{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(startCtx); err != nil {
			_ = redisCache.Close()
			logger.Warn("redis unavailable, product cache and idempotency keys disabled", zap.Error(err))
		} else {
			closers = append(closers, redisCache.Close)
			opts = append(opts,
				service.WithProductCache(redisCache, cfg.ProductCacheTTL),
				service.WithIdempotencyGuard(redisCache, cfg.IdempotencyTTL),
			)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}

	poster, err := ledger.NewPoster(cfg.VATRate)
	if err != nil {
		return err
	}
	coordinator := settlement.New(repo, poster, logger, settlement.WithTimeout(cfg.SaleTimeout))
	svc := service.New(repo, coordinator, logger, opts...)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.Users)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.SaleTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("sale backend listening", zap.String("addr", server.Addr), zap.String("vat_rate", poster.VATRate().String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down, waiting for pending requests")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}

// openRepository connects the configured store. A database driver without a
// reachable database is fatal; there is no silent fallback to memory.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		logger.Info("repository: in-memory")
		repo := memory.NewSeeded()
		return repo, repo.Close, nil

	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for DB_DRIVER=postgres")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.Options{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			LockTimeout:     cfg.LockTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := pg.Migrate(logger); err != nil {
				_ = pg.Close()
				return nil, nil, err
			}
		}
		logger.Info("repository: postgres")
		return pg, pg.Close, nil

	case config.DriverMySQL:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for DB_DRIVER=mysql")
		}
		my, err := mysqlstore.New(ctx, cfg.DatabaseURL, mysqlstore.Options{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			LockTimeout:     cfg.LockTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("mysql unavailable: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := my.Migrate(logger); err != nil {
				_ = my.Close()
				return nil, nil, err
			}
		}
		logger.Info("repository: mysql")
		return my, my.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.Users) == 0 {
		return fmt.Errorf("AUTH_USERS must configure at least one user")
	}
	return nil
}
