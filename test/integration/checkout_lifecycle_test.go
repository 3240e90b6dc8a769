package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/cancellation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/catalog"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/coupon"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reservation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
	"github.com/vladislavdragonenkov/marketplace/internal/service/stock"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var productP = domain.StockKey{ProductID: "P"}

// CheckoutLifecycleTestSuite прогоняет оформление, отмену и выплаты на in-memory хранилищах.
type CheckoutLifecycleTestSuite struct {
	suite.Suite

	ctx      context.Context
	orders   domain.OrderRepository
	coupons  domain.CouponRepository
	ledgers  domain.LedgerRepository
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	carts    *memory.CartStore
	catalog  *catalog.StaticCatalog
	gateway  *payment.MockGateway

	stock        *stock.Ledger
	checkout     *checkout.Orchestrator
	cancellation *cancellation.Coordinator
	payouts      *payout.Service
}

func (s *CheckoutLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.ctx = context.Background()
	s.orders = memory.NewOrderRepository()
	s.coupons = memory.NewCouponRepository()
	s.ledgers = memory.NewLedgerRepository()
	s.outbox = memory.NewOutboxRepository()
	s.timeline = memory.NewTimelineRepository()
	s.carts = memory.NewCartStore()
	s.catalog = catalog.NewStaticCatalog()
	s.gateway = payment.NewMockGateway()

	events := saga.NewEmitter(s.outbox, s.timeline, logger, nil)
	s.stock = stock.NewLedger(memory.NewInventoryRepository(), memory.NewKeyedLocker(0), stock.WithLogger(logger))
	couponSvc := coupon.NewService(s.coupons, coupon.WithLogger(logger))

	s.checkout = checkout.NewOrchestrator(checkout.Dependencies{
		Orders:       s.orders,
		Ledgers:      s.ledgers,
		Catalog:      s.catalog,
		Carts:        s.carts,
		Coupons:      couponSvc,
		Reservations: reservation.NewManager(s.stock, reservation.WithLogger(logger)),
		Payments:     s.gateway,
		Events:       events,
	}, checkout.WithLogger(logger))

	s.cancellation = cancellation.NewCoordinator(cancellation.Dependencies{
		Orders:   s.orders,
		Ledgers:  s.ledgers,
		Stock:    s.stock,
		Coupons:  couponSvc,
		Payments: s.gateway,
		Events:   events,
	}, cancellation.WithLogger(logger))

	s.payouts = payout.NewService(s.ledgers, payout.WithLogger(logger), payout.WithEvents(events))
}

func (s *CheckoutLifecycleTestSuite) seedProduct(productID, vendorID string, priceMinor, stockLevel int64) {
	s.catalog.Put(domain.Product{ProductID: productID, VendorID: vendorID, PriceMinor: priceMinor, Currency: checkout.DefaultCurrency})
	_, err := s.stock.SetStock(s.ctx, domain.StockKey{ProductID: productID}, stockLevel)
	s.Require().NoError(err)
}

func (s *CheckoutLifecycleTestSuite) seedVendor(vendorID string, ratePercent float64) {
	s.Require().NoError(s.ledgers.SaveVendor(s.ctx, domain.VendorLedger{
		VendorID:       vendorID,
		CommissionRate: decimal.NewFromFloat(ratePercent),
	}))
}

func (s *CheckoutLifecycleTestSuite) placeCart(userID string, lines ...domain.CartLine) {
	s.carts.Put(domain.Cart{UserID: userID, Lines: lines})
}

func (s *CheckoutLifecycleTestSuite) request(userID, couponCode string) checkout.Request {
	return checkout.Request{
		UserID:          userID,
		CouponCode:      couponCode,
		ShippingAddress: "Amsterdam, Damrak 1",
		PaymentMethod:   "card",
	}
}

func (s *CheckoutLifecycleTestSuite) available(key domain.StockKey) int64 {
	available, err := s.stock.Available(s.ctx, key)
	s.Require().NoError(err)
	return available
}

func (s *CheckoutLifecycleTestSuite) pending(vendorID string) int64 {
	balance, err := s.payouts.Balance(s.ctx, vendorID)
	s.Require().NoError(err)
	return balance.PendingPayoutMinor
}

func (s *CheckoutLifecycleTestSuite) TestCheckoutWithoutCoupon() {
	s.seedProduct("P", "vendor-a", 1000, 5)
	s.seedVendor("vendor-a", 10)
	s.placeCart("user-1", domain.CartLine{ProductID: "P", Quantity: 2})

	order, err := s.checkout.Checkout(s.ctx, s.request("user-1", ""))
	s.Require().NoError(err)

	s.Equal(int64(2000), order.SubtotalMinor)
	s.Equal(int64(2000), order.TotalMinor)
	s.Zero(order.DiscountMinor)
	s.Nil(order.AppliedCoupon)
	s.Equal(domain.OrderStatusPending, order.Status)
	s.False(order.Inconsistent)
	s.Equal(int64(3), s.available(productP))

	cart, err := s.carts.Get(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Empty(cart.Lines, "cart must be cleared after checkout")

	events, err := s.timeline.List(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(events)
	s.Equal(domain.EventOrderCreated, events[len(events)-1].Type)
}

func (s *CheckoutLifecycleTestSuite) TestCheckoutWithPercentageCoupon() {
	s.seedProduct("P", "vendor-a", 1000, 5)
	s.seedVendor("vendor-a", 10)
	s.Require().NoError(s.coupons.Save(s.ctx, domain.Coupon{
		Code:     "SAVE10",
		Type:     domain.DiscountPercentage,
		Value:    decimal.NewFromInt(10),
		IsActive: true,
	}))
	s.placeCart("user-1", domain.CartLine{ProductID: "P", Quantity: 2})

	order, err := s.checkout.Checkout(s.ctx, s.request("user-1", "save10"))
	s.Require().NoError(err)

	s.Equal(int64(200), order.DiscountMinor)
	s.Equal(int64(1800), order.TotalMinor)
	s.Require().NotNil(order.AppliedCoupon)
	s.Equal("SAVE10", order.AppliedCoupon.Code)

	stored, err := s.coupons.Get(s.ctx, "SAVE10")
	s.Require().NoError(err)
	s.Equal(1, stored.UsageCount)
	s.Equal(1, stored.UserCount("user-1"))

	_, err = s.cancellation.Cancel(s.ctx, order.ID, "changed mind")
	s.Require().NoError(err)

	stored, err = s.coupons.Get(s.ctx, "SAVE10")
	s.Require().NoError(err)
	s.Zero(stored.UsageCount, "cancel must return the coupon usage")
	s.Equal(int64(5), s.available(productP))
}

func (s *CheckoutLifecycleTestSuite) TestCheckoutInsufficientStockLeavesNoTrace() {
	s.seedProduct("P", "vendor-a", 1000, 2)
	s.seedVendor("vendor-a", 10)
	s.placeCart("user-1", domain.CartLine{ProductID: "P", Quantity: 3})

	_, err := s.checkout.Checkout(s.ctx, s.request("user-1", ""))
	s.Require().Error(err)
	s.True(errors.Is(err, domain.ErrInsufficientStock))

	var stockErr *domain.InsufficientStockError
	s.Require().ErrorAs(err, &stockErr)
	s.Equal("P", stockErr.ProductID)

	s.Equal(int64(2), s.available(productP))
	orders, err := s.orders.ListByUser(s.ctx, "user-1", 10)
	s.Require().NoError(err)
	s.Empty(orders, "no order must be persisted")
	s.Zero(s.gateway.ChargeCalls, "payment must not be charged")

	cart, err := s.carts.Get(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Len(cart.Lines, 1, "cart must survive a failed checkout")
}

func (s *CheckoutLifecycleTestSuite) TestMultiVendorSplitAndCancelRoundTrip() {
	s.seedProduct("A1", "vendor-a", 7000, 4)
	s.seedProduct("B1", "vendor-b", 3000, 4)
	s.seedVendor("vendor-a", 15)
	s.seedVendor("vendor-b", 20)
	s.placeCart("user-1",
		domain.CartLine{ProductID: "A1", Quantity: 1},
		domain.CartLine{ProductID: "B1", Quantity: 1},
	)

	order, err := s.checkout.Checkout(s.ctx, s.request("user-1", ""))
	s.Require().NoError(err)
	s.Require().Len(order.VendorSplits, 2)

	splits := make(map[string]domain.VendorSplit, len(order.VendorSplits))
	var gross int64
	for _, split := range order.VendorSplits {
		splits[split.VendorID] = split
		gross += split.GrossMinor
		s.Equal(split.GrossMinor, split.CommissionMinor+split.NetMinor+split.DiscountShareMinor)
	}
	s.Equal(order.SubtotalMinor, gross)

	s.Equal(int64(1050), splits["vendor-a"].CommissionMinor)
	s.Equal(int64(5950), splits["vendor-a"].NetMinor)
	s.Equal(int64(600), splits["vendor-b"].CommissionMinor)
	s.Equal(int64(2400), splits["vendor-b"].NetMinor)
	s.Equal(int64(5950), s.pending("vendor-a"))
	s.Equal(int64(2400), s.pending("vendor-b"))

	cancelled, err := s.cancellation.Cancel(s.ctx, order.ID, "customer request")
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusRefunded, cancelled.Status, "settled charge is refunded")
	s.Equal(order.TotalMinor, s.gateway.Refunded(order.PaymentReference))

	s.Zero(s.pending("vendor-a"))
	s.Zero(s.pending("vendor-b"))
	s.Equal(int64(4), s.available(domain.StockKey{ProductID: "A1"}))
	s.Equal(int64(4), s.available(domain.StockKey{ProductID: "B1"}))

	again, err := s.cancellation.Cancel(s.ctx, order.ID, "customer request")
	s.Require().ErrorIs(err, domain.ErrInvalidState)
	s.Equal(cancelled.Status, again.Status)
	s.Zero(s.pending("vendor-a"), "rejected cancel must not reverse twice")
}

func (s *CheckoutLifecycleTestSuite) TestPayoutLifecycle() {
	s.seedProduct("A1", "vendor-a", 7000, 1)
	s.seedVendor("vendor-a", 15)
	s.placeCart("user-1", domain.CartLine{ProductID: "A1", Quantity: 1})

	_, err := s.checkout.Checkout(s.ctx, s.request("user-1", ""))
	s.Require().NoError(err)
	s.Equal(int64(5950), s.pending("vendor-a"))

	_, err = s.payouts.Request(s.ctx, "vendor-a", 6000)
	s.Require().ErrorIs(err, domain.ErrInsufficientBalance)

	requested, err := s.payouts.Request(s.ctx, "vendor-a", 5000)
	s.Require().NoError(err)
	s.Equal(domain.PayoutStatusRequested, requested.Status)
	s.Equal(int64(5950), s.pending("vendor-a"), "request alone must not move money")

	_, err = s.payouts.MarkProcessing(s.ctx, requested.ID)
	s.Require().NoError(err)
	completed, err := s.payouts.MarkCompleted(s.ctx, requested.ID)
	s.Require().NoError(err)
	s.Equal(domain.PayoutStatusCompleted, completed.Status)

	balance, err := s.payouts.Balance(s.ctx, "vendor-a")
	s.Require().NoError(err)
	s.Equal(int64(950), balance.PendingPayoutMinor)
	s.Equal(int64(5000), balance.TotalPayoutsMinor)

	_, err = s.payouts.MarkFailed(s.ctx, requested.ID, "bank rejected")
	s.Require().ErrorIs(err, domain.ErrInvalidState)

	var payoutEvents int
	for _, msg := range s.outbox.AllPending() {
		if msg.EventType == domain.EventPayoutCompleted {
			payoutEvents++
		}
	}
	s.Equal(1, payoutEvents)
}

func (s *CheckoutLifecycleTestSuite) TestConcurrentCheckoutsForLastUnit() {
	const buyers = 16
	s.seedProduct("P", "vendor-a", 1000, 1)
	s.seedVendor("vendor-a", 10)
	for i := 0; i < buyers; i++ {
		s.placeCart(fmt.Sprintf("user-%d", i), domain.CartLine{ProductID: "P", Quantity: 1})
	}

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
		unexpected   []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := s.checkout.Checkout(s.ctx, s.request(userID, ""))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficient++
			default:
				unexpected = append(unexpected, err)
			}
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()

	s.Empty(unexpected)
	s.Equal(1, succeeded)
	s.Equal(buyers-1, insufficient)
	s.Zero(s.available(productP))
}

func TestCheckoutLifecycleSuite(t *testing.T) {
	suite.Run(t, new(CheckoutLifecycleTestSuite))
}
