package app

import (
	"context"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/cancellation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/catalog"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/coupon"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reservation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
	"github.com/vladislavdragonenkov/marketplace/internal/service/stock"
)

type closer struct {
	name string
	fn   func() error
}

// Dependencies содержит хранилища, внешние клиенты и сервисы оформления.
type Dependencies struct {
	Orders    domain.OrderRepository
	Inventory domain.InventoryRepository
	Coupons   domain.CouponRepository
	Ledgers   domain.LedgerRepository
	Outbox    domain.OutboxRepository
	Timeline  domain.TimelineRepository
	Carts     domain.CartStore
	Locker    stock.Locker

	Catalog  *catalog.StaticCatalog
	Payments domain.PaymentGateway
	Metrics  *metrics.CheckoutMetrics
	Events   *saga.Emitter

	// Kafka; nil, если брокеры не заданы или недоступны.
	Producer   *kafka.Producer
	Publisher  domain.OutboxPublisher
	DeadLetter outbox.DeadLetter

	Stock        *stock.Ledger
	Reservations *reservation.Manager
	CouponSvc    *coupon.Service
	Checkout     *checkout.Orchestrator
	Cancellation *cancellation.Coordinator
	Payouts      *payout.Service

	Logger *log.Entry

	checkers map[string]health.Checker
	closers  []closer
}

// NewDependencies создаёт хранилища по конфигурации и собирает сервисы.
// При ошибке уже открытые подключения закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (_ *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{
		Logger:   logger,
		checkers: make(map[string]health.Checker),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, deps.Close())
		}
	}()

	if err := initStorage(ctx, cfg, logger.WithField("layer", "storage"), deps); err != nil {
		return nil, err
	}
	if err := initLocking(ctx, cfg, logger.WithField("layer", "locking"), deps); err != nil {
		return nil, err
	}
	initKafka(cfg, logger.WithField("layer", "kafka"), deps)

	breakerCfg := payment.DefaultBreakerConfig()
	breakerCfg.Timeout = cfg.PaymentBreakerTimeout
	breakerCfg.FailureRatio = cfg.PaymentBreakerFailureRatio
	// Реальный платёжный провайдер вне этого сервиса, локально работает заглушка.
	deps.Payments = payment.NewBreakerGateway(payment.NewMockGateway(), breakerCfg,
		logger.WithField("component", "payment-breaker"))
	deps.Catalog = catalog.NewStaticCatalog()
	deps.Metrics = metrics.NewCheckoutMetrics()

	if cfg.CatalogFile != "" {
		seed, err := LoadSeed(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		if err := applySeed(ctx, seed, deps, logger.WithField("layer", "seed")); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("CHECKOUT_CATALOG_FILE is not set: catalog is empty, checkout fails until products are added")
	}

	buildServices(cfg, deps)
	return deps, nil
}

// buildServices связывает сервисы оформления поверх хранилищ.
func buildServices(cfg Config, deps *Dependencies) {
	logger := deps.Logger

	deps.Events = saga.NewEmitter(deps.Outbox, deps.Timeline, logger.WithField("component", "events"), deps.Metrics)

	deps.Stock = stock.NewLedger(deps.Inventory, deps.Locker,
		stock.WithLogger(logger.WithField("component", "stock")),
		stock.WithMetrics(deps.Metrics),
		stock.WithTTL(cfg.ReservationTTL),
	)
	deps.Reservations = reservation.NewManager(deps.Stock,
		reservation.WithTTL(cfg.ReservationTTL),
		reservation.WithLogger(logger.WithField("component", "reservation")),
	)
	deps.CouponSvc = coupon.NewService(deps.Coupons,
		coupon.WithLogger(logger.WithField("component", "coupon")),
	)

	deps.Checkout = checkout.NewOrchestrator(checkout.Dependencies{
		Orders:       deps.Orders,
		Ledgers:      deps.Ledgers,
		Catalog:      deps.Catalog,
		Carts:        deps.Carts,
		Coupons:      deps.CouponSvc,
		Reservations: deps.Reservations,
		Payments:     deps.Payments,
		Events:       deps.Events,
	},
		checkout.WithTaxPolicy(checkout.FlatTax{Rate: cfg.TaxRate}),
		checkout.WithCurrency(cfg.Currency),
		checkout.WithLogger(logger.WithField("component", "checkout")),
		checkout.WithMetrics(deps.Metrics),
		checkout.WithSettleGrace(cfg.SettleGrace),
	)

	deps.Cancellation = cancellation.NewCoordinator(cancellation.Dependencies{
		Orders:   deps.Orders,
		Ledgers:  deps.Ledgers,
		Stock:    deps.Stock,
		Coupons:  deps.CouponSvc,
		Payments: deps.Payments,
		Events:   deps.Events,
	},
		cancellation.WithLogger(logger.WithField("component", "cancellation")),
		cancellation.WithMetrics(deps.Metrics),
		cancellation.WithSettleGrace(cfg.SettleGrace),
	)

	deps.Payouts = payout.NewService(deps.Ledgers,
		payout.WithLogger(logger.WithField("component", "payout")),
		payout.WithEvents(deps.Events),
		payout.WithMetrics(deps.Metrics),
	)
}

// RegisterCheckers добавляет проверки подключённых зависимостей.
func (d *Dependencies) RegisterCheckers(h *health.Handler) {
	for name, checker := range d.checkers {
		h.RegisterChecker(name, checker)
	}
}

func (d *Dependencies) addCloser(name string, fn func() error) {
	d.closers = append(d.closers, closer{name: name, fn: fn})
}

// Close закрывает подключения в порядке, обратном открытию.
func (d *Dependencies) Close() error {
	if d == nil {
		return nil
	}

	var errs error
	for _, c := range slices.Backward(d.closers) {
		if err := c.fn(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", c.name, err))
			continue
		}
		d.Logger.WithField("dependency", c.name).Info("closed")
	}
	d.closers = nil
	return errs
}
