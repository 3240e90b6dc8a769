package checkout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/catalog"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/coupon"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reservation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
	"github.com/vladislavdragonenkov/marketplace/internal/service/stock"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var productP = domain.StockKey{ProductID: "P"}

type harness struct {
	orders    domain.OrderRepository
	inventory domain.InventoryRepository
	coupons   domain.CouponRepository
	ledgers   domain.LedgerRepository
	carts     *flakyCartStore
	catalog   *catalog.StaticCatalog
	outbox    *memory.OutboxRepository
	timeline  domain.TimelineRepository
	payments  *payment.MockGateway
	stock     *stock.Ledger
	manager   *reservation.Manager
	orch      *checkout.Orchestrator
	extra     []checkout.Option
}

type harnessOption func(*harness, *checkout.Dependencies)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		orders:    memory.NewOrderRepository(),
		inventory: memory.NewInventoryRepository(),
		coupons:   memory.NewCouponRepository(),
		ledgers:   memory.NewLedgerRepository(),
		carts:     &flakyCartStore{CartStore: memory.NewCartStore()},
		catalog:   catalog.NewStaticCatalog(),
		outbox:    memory.NewOutboxRepository(),
		timeline:  memory.NewTimelineRepository(),
		payments:  payment.NewMockGateway(),
	}
	m := metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())
	h.stock = stock.NewLedger(h.inventory, memory.NewKeyedLocker(time.Second), stock.WithMetrics(m))
	h.manager = reservation.NewManager(h.stock)

	deps := checkout.Dependencies{
		Orders:       h.orders,
		Ledgers:      h.ledgers,
		Catalog:      h.catalog,
		Carts:        h.carts,
		Coupons:      coupon.NewService(h.coupons),
		Reservations: h.manager,
		Payments:     h.payments,
		Events:       saga.NewEmitter(h.outbox, h.timeline, nil, m),
	}
	for _, opt := range opts {
		opt(h, &deps)
	}
	h.orch = checkout.NewOrchestrator(deps, append([]checkout.Option{
		checkout.WithMetrics(m),
		checkout.WithRetryConfig(saga.RetryConfig{
			MaxAttempts:   2,
			InitialDelay:  time.Millisecond,
			MaxDelay:      time.Millisecond,
			BackoffFactor: 1,
		}),
	}, h.extra...)...)
	return h
}

func (h *harness) product(t *testing.T, key domain.StockKey, vendorID string, price, stockTotal int64) {
	t.Helper()
	h.catalog.Put(domain.Product{
		ProductID:  key.ProductID,
		VariantID:  key.VariantID,
		VendorID:   vendorID,
		PriceMinor: price,
		Currency:   checkout.DefaultCurrency,
	})
	_, err := h.inventory.SetStock(context.Background(), key, stockTotal)
	require.NoError(t, err)
}

func (h *harness) vendor(t *testing.T, vendorID string, rate int64) {
	t.Helper()
	require.NoError(t, h.ledgers.SaveVendor(context.Background(), domain.VendorLedger{
		VendorID:       vendorID,
		CommissionRate: decimal.NewFromInt(rate),
	}))
}

func (h *harness) cart(userID string, lines ...domain.CartLine) {
	h.carts.Put(domain.Cart{UserID: userID, Lines: lines})
}

func (h *harness) available(t *testing.T, key domain.StockKey) int64 {
	t.Helper()
	rec, err := h.inventory.GetStock(context.Background(), key)
	require.NoError(t, err)
	return rec.Available()
}

func (h *harness) pending(t *testing.T, vendorID string) int64 {
	t.Helper()
	ledger, err := h.ledgers.GetVendor(context.Background(), vendorID)
	require.NoError(t, err)
	return ledger.PendingPayoutMinor
}

func (h *harness) eventTypes() []string {
	var types []string
	for _, msg := range h.outbox.AllPending() {
		types = append(types, msg.EventType)
	}
	return types
}

func request(userID string) checkout.Request {
	return checkout.Request{
		UserID:          userID,
		ShippingAddress: "Moscow, Tverskaya 1",
		PaymentMethod:   "card",
	}
}

func line(key domain.StockKey, qty int32) domain.CartLine {
	return domain.CartLine{ProductID: key.ProductID, VariantID: key.VariantID, Quantity: qty}
}

// flakyCartStore падает на Clear, пока clearErr не сброшен.
type flakyCartStore struct {
	*memory.CartStore

	mu       sync.Mutex
	clearErr error
}

func (s *flakyCartStore) failClear(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearErr = err
}

func (s *flakyCartStore) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	err := s.clearErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.CartStore.Clear(ctx, userID)
}

// lapsingReservations снимает резервы по TTL прямо перед первым подтверждением.
type lapsingReservations struct {
	*reservation.Manager
	ledger *stock.Ledger
	once   sync.Once
}

func (r *lapsingReservations) ConfirmAll(ctx context.Context, ids []string) error {
	r.once.Do(func() {
		for _, id := range ids {
			if _, _, err := r.ledger.Expire(ctx, id); err != nil {
				panic(err)
			}
		}
	})
	return r.Manager.ConfirmAll(ctx, ids)
}

var errStoreDown = errors.New("cart store unavailable")
