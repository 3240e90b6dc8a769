package cancellation_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/cancellation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/catalog"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/coupon"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reservation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
	"github.com/vladislavdragonenkov/marketplace/internal/service/stock"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var (
	keyA = domain.StockKey{ProductID: "A"}
	keyB = domain.StockKey{ProductID: "B", VariantID: "blue"}
)

type CoordinatorSuite struct {
	suite.Suite

	ctx         context.Context
	orders      domain.OrderRepository
	inventory   domain.InventoryRepository
	coupons     domain.CouponRepository
	ledgers     domain.LedgerRepository
	carts       *memory.CartStore
	outbox      *memory.OutboxRepository
	payments    *payment.MockGateway
	checkout    *checkout.Orchestrator
	coordinator *cancellation.Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx = context.Background()
	s.orders = memory.NewOrderRepository()
	s.inventory = memory.NewInventoryRepository()
	s.coupons = memory.NewCouponRepository()
	s.ledgers = memory.NewLedgerRepository()
	s.carts = memory.NewCartStore()
	s.outbox = memory.NewOutboxRepository()
	s.payments = payment.NewMockGateway()

	cat := catalog.NewStaticCatalog(
		domain.Product{ProductID: "A", VendorID: "VA", PriceMinor: 7000, Currency: "USD"},
		domain.Product{ProductID: "B", VendorID: "VB", PriceMinor: 3000, Currency: "USD"},
	)
	for key, total := range map[domain.StockKey]int64{keyA: 10, keyB: 4} {
		_, err := s.inventory.SetStock(s.ctx, key, total)
		s.Require().NoError(err)
	}
	s.Require().NoError(s.ledgers.SaveVendor(s.ctx, domain.VendorLedger{VendorID: "VA", CommissionRate: decimal.NewFromInt(15)}))
	s.Require().NoError(s.ledgers.SaveVendor(s.ctx, domain.VendorLedger{VendorID: "VB", CommissionRate: decimal.NewFromInt(20)}))
	s.Require().NoError(s.coupons.Save(s.ctx, domain.Coupon{
		Code:     "SAVE10",
		Type:     domain.DiscountPercentage,
		Value:    decimal.NewFromInt(10),
		IsActive: true,
	}))

	ledger := stock.NewLedger(s.inventory, memory.NewKeyedLocker(time.Second))
	couponSvc := coupon.NewService(s.coupons)
	events := saga.NewEmitter(s.outbox, memory.NewTimelineRepository(), nil, nil)
	fast := saga.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	s.checkout = checkout.NewOrchestrator(checkout.Dependencies{
		Orders:       s.orders,
		Ledgers:      s.ledgers,
		Catalog:      cat,
		Carts:        s.carts,
		Coupons:      couponSvc,
		Reservations: reservation.NewManager(ledger),
		Payments:     s.payments,
		Events:       events,
	}, checkout.WithRetryConfig(fast))

	s.coordinator = cancellation.NewCoordinator(cancellation.Dependencies{
		Orders:   s.orders,
		Ledgers:  s.ledgers,
		Stock:    ledger,
		Coupons:  couponSvc,
		Payments: s.payments,
		Events:   events,
	}, cancellation.WithRetryConfig(fast))
}

func (s *CoordinatorSuite) placeOrder(couponCode string) domain.Order {
	s.carts.Put(domain.Cart{UserID: "user-1", Lines: []domain.CartLine{
		{ProductID: "A", Quantity: 1},
		{ProductID: "B", VariantID: "blue", Quantity: 1},
	}})
	order, err := s.checkout.Checkout(s.ctx, checkout.Request{
		UserID:          "user-1",
		CouponCode:      couponCode,
		ShippingAddress: "addr",
		PaymentMethod:   "card",
	})
	s.Require().NoError(err)
	s.Require().False(order.Inconsistent)
	return order
}

func (s *CoordinatorSuite) pending(vendorID string) int64 {
	ledger, err := s.ledgers.GetVendor(s.ctx, vendorID)
	s.Require().NoError(err)
	return ledger.PendingPayoutMinor
}

func (s *CoordinatorSuite) stock(key domain.StockKey) domain.StockRecord {
	rec, err := s.inventory.GetStock(s.ctx, key)
	s.Require().NoError(err)
	return rec
}

func (s *CoordinatorSuite) TestCancelRestoresEverything() {
	order := s.placeOrder("SAVE10")
	s.Require().Positive(s.pending("VA"))
	s.Require().Positive(s.pending("VB"))
	s.Require().EqualValues(9, s.stock(keyA).TotalStock)

	cancelled, err := s.coordinator.Cancel(s.ctx, order.ID, "customer request")
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)
	s.Equal("customer request", cancelled.CancelReason)
	s.False(cancelled.RefundPending)

	s.EqualValues(0, s.pending("VA"))
	s.EqualValues(0, s.pending("VB"))
	s.EqualValues(10, s.stock(keyA).TotalStock)
	s.EqualValues(10, s.stock(keyA).Available())
	s.EqualValues(4, s.stock(keyB).Available())

	c, err := s.coupons.Get(s.ctx, "SAVE10")
	s.Require().NoError(err)
	s.Equal(0, c.UsageCount)
	s.Equal(0, c.UserCount("user-1"))

	var types []string
	for _, msg := range s.outbox.AllPending() {
		types = append(types, msg.EventType)
	}
	s.Contains(types, domain.EventOrderCancelled)

	_, err = s.coordinator.Cancel(s.ctx, order.ID, "again")
	s.Require().ErrorIs(err, domain.ErrInvalidState)
	s.EqualValues(10, s.stock(keyA).TotalStock)
}

func (s *CoordinatorSuite) TestCancelSettledPaymentRefunds() {
	order := s.placeOrder("")
	paid, err := s.checkout.CapturePayment(s.ctx, order.ID)
	s.Require().NoError(err)

	refunded, err := s.coordinator.Cancel(s.ctx, order.ID, "out of stock at warehouse")
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusRefunded, refunded.Status)
	s.Equal(order.TotalMinor, refunded.RefundMinor)
	s.Equal(order.TotalMinor, s.payments.Refunded(paid.PaymentReference))
	s.EqualValues(0, s.pending("VA"))
}

func (s *CoordinatorSuite) TestCancelUnsettledPaymentStaysCancelled() {
	s.payments.SettleOnCharge = false
	order := s.placeOrder("")
	_, err := s.checkout.CapturePayment(s.ctx, order.ID)
	s.Require().NoError(err)

	cancelled, err := s.coordinator.Cancel(s.ctx, order.ID, "changed mind")
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)
	s.Zero(s.payments.RefundCalls)
}

func (s *CoordinatorSuite) TestRefundFailureRecordsObligation() {
	order := s.placeOrder("")
	_, err := s.checkout.CapturePayment(s.ctx, order.ID)
	s.Require().NoError(err)
	s.payments.RefundErr = domain.ErrRefundFailed

	cancelled, err := s.coordinator.Cancel(s.ctx, order.ID, "fraud")
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)
	s.True(cancelled.RefundPending)

	_, err = s.coordinator.RetryRefund(s.ctx, order.ID)
	s.Require().ErrorIs(err, domain.ErrRefundFailed)

	s.payments.RefundErr = nil
	refunded, err := s.coordinator.RetryRefund(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusRefunded, refunded.Status)
	s.False(refunded.RefundPending)

	again, err := s.coordinator.RetryRefund(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusRefunded, again.Status)
	s.Equal(order.TotalMinor, s.payments.Refunded(refunded.PaymentReference))
}

func (s *CoordinatorSuite) TestCancelAfterPayoutFailsLoudly() {
	order := s.placeOrder("")
	s.Require().EqualValues(5950, s.pending("VA"))

	payout := domain.Payout{ID: "p1", VendorID: "VA", AmountMinor: 5000, Status: domain.PayoutStatusRequested, RequestedAt: time.Now()}
	s.Require().NoError(s.ledgers.CreatePayout(s.ctx, payout))
	_, _, err := s.ledgers.TransitionPayout(s.ctx, "p1", domain.PayoutStatusProcessing, "", time.Now())
	s.Require().NoError(err)
	_, _, err = s.ledgers.TransitionPayout(s.ctx, "p1", domain.PayoutStatusCompleted, "", time.Now())
	s.Require().NoError(err)

	_, err = s.coordinator.Cancel(s.ctx, order.ID, "late")
	s.Require().ErrorIs(err, domain.ErrLedgerInconsistency)

	stored, err := s.orders.Get(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPending, stored.Status)
	s.EqualValues(950, s.pending("VA"))
	s.EqualValues(2400, s.pending("VB"))
	s.EqualValues(9, s.stock(keyA).TotalStock)
}

func (s *CoordinatorSuite) TestCancelStillSettlingOrderIsBusy() {
	s.Require().NoError(s.orders.Create(s.ctx, domain.Order{
		ID:                  "order-1",
		UserID:              "user-1",
		Status:              domain.OrderStatusPending,
		Inconsistent:        true,
		InconsistencyReason: domain.SettlingReason,
		UpdatedAt:           time.Now().UTC(),
	}))

	_, err := s.coordinator.Cancel(s.ctx, "order-1", "x")
	s.Require().ErrorIs(err, domain.ErrBusy)
}

func (s *CoordinatorSuite) TestCancelAbandonedSettlingOrderAfterGrace() {
	ledger := stock.NewLedger(s.inventory, memory.NewKeyedLocker(time.Second))
	res, err := ledger.Reserve(s.ctx, "order-1", keyA, 2)
	s.Require().NoError(err)

	createdAt := time.Now().UTC().Add(-time.Hour)
	s.Require().NoError(s.orders.Create(s.ctx, domain.Order{
		ID:                  "order-1",
		UserID:              "user-1",
		Status:              domain.OrderStatusPending,
		ReservationIDs:      []string{res.ID},
		VendorSplits:        []domain.VendorSplit{{VendorID: "VA", GrossMinor: 7000, NetMinor: 5950}},
		Inconsistent:        true,
		InconsistencyReason: domain.SettlingReason,
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
	}))

	cancelled, err := s.coordinator.Cancel(s.ctx, "order-1", "abandoned")
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)
	s.False(cancelled.Inconsistent)
	s.EqualValues(10, s.stock(keyA).Available())
	s.EqualValues(0, s.pending("VA"))

	// Запоздавшее начисление после отмены ничего не меняет.
	applied, err := s.ledgers.Post(s.ctx, "VA", "order-1", domain.PostingOrderCredit, 5950)
	s.Require().NoError(err)
	s.False(applied)
	s.EqualValues(0, s.pending("VA"))
}

func (s *CoordinatorSuite) TestCancelRestocksReplacementMissingFromOrder() {
	ledger := stock.NewLedger(s.inventory, memory.NewKeyedLocker(time.Second))
	lapsed, err := ledger.Reserve(s.ctx, "order-1", keyA, 2)
	s.Require().NoError(err)
	_, _, err = ledger.Expire(s.ctx, lapsed.ID)
	s.Require().NoError(err)
	replacement, err := ledger.Reserve(s.ctx, "order-1", keyA, 2)
	s.Require().NoError(err)
	_, _, err = ledger.Confirm(s.ctx, replacement.ID)
	s.Require().NoError(err)
	s.Require().EqualValues(8, s.stock(keyA).TotalStock)

	s.Require().NoError(s.orders.Create(s.ctx, domain.Order{
		ID:                  "order-1",
		UserID:              "user-1",
		Status:              domain.OrderStatusPending,
		ReservationIDs:      []string{lapsed.ID},
		Inconsistent:        true,
		InconsistencyReason: "confirm: reservation lapsed",
	}))

	_, err = s.coordinator.Cancel(s.ctx, "order-1", "cleanup")
	s.Require().NoError(err)
	s.EqualValues(10, s.stock(keyA).TotalStock)
	s.EqualValues(10, s.stock(keyA).Available())
}

func (s *CoordinatorSuite) TestCancelInconsistentOrderReleasesHeldStock() {
	ledger := stock.NewLedger(s.inventory, memory.NewKeyedLocker(time.Second))
	res, err := ledger.Reserve(s.ctx, "order-1", keyA, 3)
	s.Require().NoError(err)
	s.Require().EqualValues(7, s.stock(keyA).Available())

	s.Require().NoError(s.orders.Create(s.ctx, domain.Order{
		ID:                  "order-1",
		UserID:              "user-1",
		Status:              domain.OrderStatusPending,
		ReservationIDs:      []string{res.ID},
		Inconsistent:        true,
		InconsistencyReason: "confirm: store down",
	}))

	cancelled, err := s.coordinator.Cancel(s.ctx, "order-1", "cleanup")
	s.Require().NoError(err)
	s.False(cancelled.Inconsistent)
	s.Empty(cancelled.InconsistencyReason)
	s.EqualValues(10, s.stock(keyA).Available())
	s.EqualValues(10, s.stock(keyA).TotalStock)
}
