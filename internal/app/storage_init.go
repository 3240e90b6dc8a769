package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/marketplace/internal/storage/redis"
)

// initStorage заполняет репозитории выбранным драйвером.
func initStorage(ctx context.Context, cfg Config, logger *log.Entry, deps *Dependencies) error {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		deps.Orders = memory.NewOrderRepository()
		deps.Inventory = memory.NewInventoryRepository()
		deps.Coupons = memory.NewCouponRepository()
		deps.Ledgers = memory.NewLedgerRepository()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Timeline = memory.NewTimelineRepository()
		logger.Info("using in-memory storage")
		return nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("postgres storage requires CHECKOUT_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		deps.addCloser("postgres", store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			status, err := store.Status(ctx)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			logger.WithFields(log.Fields{
				"version": status.Version,
				"applied": status.Applied,
			}).Info("postgres schema is up to date")
		}

		deps.Orders = postgres.NewOrderRepository(store)
		deps.Inventory = postgres.NewInventoryRepository(store)
		deps.Coupons = postgres.NewCouponRepository(store)
		deps.Ledgers = postgres.NewLedgerRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Timeline = postgres.NewTimelineRepository(store)
		deps.checkers["postgres"] = health.NewSimpleChecker("postgres", store.Ping)
		logger.Info("using postgres storage")
		return nil
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// initLocking выбирает блокировки остатков и корзины: Redis, если задан
// адрес, иначе память процесса.
func initLocking(ctx context.Context, cfg Config, logger *log.Entry, deps *Dependencies) error {
	if cfg.RedisAddr == "" {
		deps.Locker = memory.NewKeyedLocker(cfg.LockTimeout)
		deps.Carts = memory.NewCartStore()
		logger.Warn("redis is not configured, stock locks are process-local")
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	deps.addCloser("redis", client.Close)

	deps.Locker = redisstore.NewLocker(client, cfg.LockTimeout,
		redisstore.WithLockLogger(logger.WithField("component", "stock-lock")))
	deps.Carts = redisstore.NewCartStore(client, cfg.CartTTL)
	deps.checkers["redis"] = health.NewSimpleChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	logger.WithField("addr", cfg.RedisAddr).Info("redis locks and carts initialized")
	return nil
}
