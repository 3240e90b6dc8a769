package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/commission"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reservation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
)

// DefaultCurrency — валюта заказов, если не задана явно.
const DefaultCurrency = "USD"

// CouponService — операции с купонами, нужные оформлению.
type CouponService interface {
	Apply(ctx context.Context, code, userID string, subtotalMinor int64) (domain.Coupon, int64, error)
	RecordUsage(ctx context.Context, code, userID, orderID string) error
}

// ReservationService — резервирование позиций корзины.
type ReservationService interface {
	ReserveCartLines(ctx context.Context, orderID string, lines []reservation.Line) ([]domain.Reservation, error)
	ConfirmAll(ctx context.Context, ids []string) error
	ReleaseAll(ctx context.Context, ids []string) error
	Reacquire(ctx context.Context, orderID, id string) (domain.Reservation, error)
	RevertAll(ctx context.Context, ids []string) error
}

// Dependencies — коллабораторы оркестратора.
type Dependencies struct {
	Orders       domain.OrderRepository
	Ledgers      domain.LedgerRepository
	Catalog      domain.Catalog
	Carts        domain.CartStore
	Coupons      CouponService
	Reservations ReservationService
	Payments     domain.PaymentGateway
	Events       *saga.Emitter
}

// Orchestrator превращает корзину в заказ. Шаги до сохранения заказа
// откатываются при любой ошибке, шаги после сохранения идемпотентны и
// повторяются, а при окончательной неудаче заказ помечается для сверки.
type Orchestrator struct {
	orders       domain.OrderRepository
	ledgers      domain.LedgerRepository
	catalog      domain.Catalog
	carts        domain.CartStore
	coupons      CouponService
	reservations ReservationService
	payments     domain.PaymentGateway
	events       *saga.Emitter

	tax         TaxPolicy
	currency    string
	retry       saga.RetryConfig
	settleGrace time.Duration
	logger      *log.Entry
	metrics     *metrics.CheckoutMetrics
	now         func() time.Time
	newID       func() string
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithTaxPolicy задаёт расчёт налога.
func WithTaxPolicy(policy TaxPolicy) Option {
	return func(o *Orchestrator) {
		if policy != nil {
			o.tax = policy
		}
	}
}

// WithCurrency задаёт валюту заказов.
func WithCurrency(currency string) Option {
	return func(o *Orchestrator) {
		if currency != "" {
			o.currency = strings.ToUpper(currency)
		}
	}
}

// WithRetryConfig задаёт повтор шагов после сохранения заказа.
func WithRetryConfig(cfg saga.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = cfg }
}

// WithSettleGrace задаёт, сколько сверка не трогает заказ, который ещё
// оформляется.
func WithSettleGrace(grace time.Duration) Option {
	return func(o *Orchestrator) {
		if grace > 0 {
			o.settleGrace = grace
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// NewOrchestrator создаёт оркестратор оформления.
func NewOrchestrator(deps Dependencies, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		orders:       deps.Orders,
		ledgers:      deps.Ledgers,
		catalog:      deps.Catalog,
		carts:        deps.Carts,
		coupons:      deps.Coupons,
		reservations: deps.Reservations,
		payments:     deps.Payments,
		events:       deps.Events,
		tax:          FlatTax{Rate: decimal.Zero},
		currency:     DefaultCurrency,
		retry:        saga.DefaultRetryConfig(),
		settleGrace:  saga.DefaultSettleGrace,
		logger:       log.New().WithField("component", "checkout"),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Checkout оформляет корзину пользователя. Возвращает созданный заказ либо
// ошибку валидации, нехватки остатка или таймаута; в последнем случае
// никаких видимых эффектов не остаётся.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (order domain.Order, err error) {
	start := time.Now()
	o.metrics.CheckoutStarted()
	defer func() {
		o.metrics.CheckoutFinished(time.Since(start), failureReason(err))
	}()

	if err := req.Validate(); err != nil {
		return domain.Order{}, err
	}
	req.CouponCode = domain.NormalizeCouponCode(req.CouponCode)
	logger := o.logger.WithField("user_id", req.UserID)

	cart, err := o.carts.Get(ctx, req.UserID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load cart: %w", err)
	}
	if cart.Empty() {
		return domain.Order{}, domain.ErrEmptyCart
	}

	stepStart := time.Now()
	items, subtotal, err := o.price(ctx, cart)
	o.observe(domain.SagaStepPrice, stepStart)
	if err != nil {
		return domain.Order{}, err
	}

	var (
		applied  *domain.AppliedCoupon
		discount int64
	)
	if req.CouponCode != "" {
		stepStart = time.Now()
		c, d, err := o.coupons.Apply(ctx, req.CouponCode, req.UserID, subtotal)
		o.observe(domain.SagaStepCoupon, stepStart)
		if err != nil {
			logger.WithError(err).WithField("coupon", req.CouponCode).Info("coupon rejected")
			return domain.Order{}, err
		}
		applied = c.Snapshot(d)
		discount = d
	}
	if err := deadline(ctx); err != nil {
		return domain.Order{}, err
	}

	orderID := o.newID()
	logger = logger.WithField("order_id", orderID)

	stepStart = time.Now()
	reservations, err := o.reservations.ReserveCartLines(ctx, orderID, reservation.LinesFromCart(cart.Lines))
	o.observe(domain.SagaStepReserve, stepStart)
	if err != nil {
		logger.WithError(err).Info("reservation failed")
		return domain.Order{}, err
	}
	ids := make([]string, 0, len(reservations))
	for _, res := range reservations {
		ids = append(ids, res.ID)
	}

	tax := o.tax.Tax(subtotal - discount)

	stepStart = time.Now()
	splits, err := o.split(ctx, items, discount)
	o.observe(domain.SagaStepSplit, stepStart)
	if err != nil {
		o.release(ctx, orderID, ids)
		return domain.Order{}, err
	}

	now := o.now()
	order = domain.Order{
		ID:              orderID,
		UserID:          req.UserID,
		Items:           items,
		Currency:        o.currency,
		SubtotalMinor:   subtotal,
		AppliedCoupon:   applied,
		DiscountMinor:   discount,
		TaxMinor:        tax,
		TotalMinor:      subtotal - discount + tax,
		Status:          domain.OrderStatusPending,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		VendorSplits:    splits,
		ReservationIDs:  ids,
		// Снимается в settle; заказ, брошенный посередине, подберёт сверка.
		Inconsistent:        true,
		InconsistencyReason: domain.SettlingReason,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := commission.Verify(order); err != nil {
		logger.WithError(err).Error("order failed money invariants")
		o.release(ctx, orderID, ids)
		return domain.Order{}, err
	}
	if err := deadline(ctx); err != nil {
		logger.WithError(err).Warn("checkout deadline exceeded before persist")
		o.release(ctx, orderID, ids)
		return domain.Order{}, err
	}

	stepStart = time.Now()
	err = o.orders.Create(ctx, order)
	o.observe(domain.SagaStepPersist, stepStart)
	if err != nil {
		logger.WithError(err).Error("persist order failed")
		o.release(ctx, orderID, ids)
		if ctxErr := deadline(ctx); ctxErr != nil {
			return domain.Order{}, ctxErr
		}
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}

	logger.WithFields(log.Fields{
		"total_minor": order.TotalMinor,
		"vendors":     len(splits),
	}).Info("order created")

	// Заказ уже существует: дедлайн вызывающего больше не прерывает шаги.
	settled, _ := o.settle(context.WithoutCancel(ctx), order, true)
	return settled, nil
}

// price перечитывает актуальные цены: цены из корзины не используются.
func (o *Orchestrator) price(ctx context.Context, cart domain.Cart) ([]domain.OrderItem, int64, error) {
	items := make([]domain.OrderItem, 0, len(cart.Lines))
	var subtotal int64
	for _, line := range cart.Lines {
		if line.Quantity <= 0 {
			return nil, 0, fmt.Errorf("%w: quantity %d for %s", domain.ErrInvalidAmount, line.Quantity, line.Key())
		}
		product, err := o.catalog.GetProduct(ctx, line.ProductID, line.VariantID)
		if err != nil {
			return nil, 0, fmt.Errorf("price %s: %w", line.Key(), err)
		}
		if product.Currency != "" && !strings.EqualFold(product.Currency, o.currency) {
			return nil, 0, fmt.Errorf("%w: %s priced in %s", domain.ErrCurrencyMismatch, line.Key(), product.Currency)
		}
		if line.UnitPriceMinor != 0 && line.UnitPriceMinor != product.PriceMinor {
			o.logger.WithFields(log.Fields{
				"key":        line.Key().String(),
				"cart_price": line.UnitPriceMinor,
				"price":      product.PriceMinor,
			}).Debug("cart price is stale")
		}

		item := domain.OrderItem{
			ProductID:      line.ProductID,
			VariantID:      line.VariantID,
			VendorID:       product.VendorID,
			Quantity:       line.Quantity,
			UnitPriceMinor: product.PriceMinor,
		}
		items = append(items, item)
		subtotal += item.LineTotalMinor()
	}
	return items, subtotal, nil
}

func (o *Orchestrator) split(ctx context.Context, items []domain.OrderItem, discount int64) ([]domain.VendorSplit, error) {
	rates := make(map[string]decimal.Decimal)
	for _, item := range items {
		if _, ok := rates[item.VendorID]; ok {
			continue
		}
		vendor, err := o.ledgers.GetVendor(ctx, item.VendorID)
		if err != nil {
			return nil, fmt.Errorf("vendor %s: %w", item.VendorID, err)
		}
		rates[item.VendorID] = vendor.CommissionRate
	}
	return commission.Split(items, rates, discount)
}

// release снимает резервы на отвязанном контексте: дедлайн вызывающего мог уже истечь.
func (o *Orchestrator) release(ctx context.Context, orderID string, ids []string) {
	stepStart := time.Now()
	err := o.reservations.ReleaseAll(context.WithoutCancel(ctx), ids)
	o.observe(domain.SagaStepRelease, stepStart)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id":     orderID,
			"reservations": ids,
		}).Error("release after failed checkout failed; TTL sweep will reclaim stock")
	}
}

func (o *Orchestrator) observe(step domain.SagaStep, start time.Time) {
	o.metrics.StepDuration(string(step), time.Since(start))
}

func deadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrBusy):
		return "busy"
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_request"
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrCurrencyMismatch):
		return "catalog"
	case domain.IsValidationError(err):
		return "coupon"
	default:
		return "error"
	}
}
