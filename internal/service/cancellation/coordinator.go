// Package cancellation отменяет оформленные заказы: возвращает остатки,
// сторнирует начисления продавцам и использование купона, а для уже
// дошедших до площадки платежей оформляет возврат.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
)

// StockLedger — операции склада, нужные отмене.
type StockLedger interface {
	Get(ctx context.Context, id string) (domain.Reservation, error)
	Release(ctx context.Context, id string) (domain.Reservation, bool, error)
	Return(ctx context.Context, id string) (domain.Reservation, bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Reservation, error)
}

// CouponReverser откатывает использование купона заказом.
type CouponReverser interface {
	ReverseUsage(ctx context.Context, code, userID, orderID string) error
}

// Dependencies — коллабораторы координатора.
type Dependencies struct {
	Orders   domain.OrderRepository
	Ledgers  domain.LedgerRepository
	Stock    StockLedger
	Coupons  CouponReverser
	Payments domain.PaymentGateway
	Events   *saga.Emitter
}

// Coordinator выполняет отмену заказа. Каждый компенсирующий шаг
// идемпотентен, поэтому прерванную отмену можно просто вызвать повторно.
type Coordinator struct {
	orders   domain.OrderRepository
	ledgers  domain.LedgerRepository
	stock    StockLedger
	coupons  CouponReverser
	payments domain.PaymentGateway
	events   *saga.Emitter

	retry       saga.RetryConfig
	settleGrace time.Duration
	logger      *log.Entry
	metrics     *metrics.CheckoutMetrics
	now         func() time.Time
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRetryConfig задаёт повтор компенсирующих шагов.
func WithRetryConfig(cfg saga.RetryConfig) Option {
	return func(c *Coordinator) { c.retry = cfg }
}

// WithSettleGrace задаёт, сколько заказ, который ещё оформляется, нельзя
// отменить.
func WithSettleGrace(grace time.Duration) Option {
	return func(c *Coordinator) {
		if grace > 0 {
			c.settleGrace = grace
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator создаёт координатор отмены.
func NewCoordinator(deps Dependencies, opts ...Option) *Coordinator {
	c := &Coordinator{
		orders:   deps.Orders,
		ledgers:  deps.Ledgers,
		stock:    deps.Stock,
		coupons:  deps.Coupons,
		payments: deps.Payments,
		events:   deps.Events,
		retry:       saga.DefaultRetryConfig(),
		settleGrace: saga.DefaultSettleGrace,
		logger:      log.New().WithField("component", "cancellation"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cancel отменяет заказ в статусе pending или processing. Итоговый статус —
// cancelled, либо refunded, если платёж уже дошёл до площадки и возврат
// прошёл. Неудачный возврат оставляет cancelled с RefundPending. Заказ,
// который ещё оформляется, даёт domain.ErrBusy, пока не истёк settle grace.
func (c *Coordinator) Cancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	logger := c.logger.WithFields(log.Fields{"order_id": orderID, "reason": reason})

	if !order.Status.Cancellable() {
		c.metrics.Cancellation("rejected")
		return order, fmt.Errorf("%w: cancel %s order", domain.ErrInvalidState, order.Status)
	}
	if order.SettlingWithin(c.now(), c.settleGrace) {
		return order, fmt.Errorf("%w: order %s is still settling", domain.ErrBusy, orderID)
	}

	if err := c.compensate(ctx, order); err != nil {
		if errors.Is(err, domain.ErrLedgerInconsistency) {
			c.metrics.LedgerInconsistency()
			logger.WithError(err).Error("vendor ledger cannot absorb reversal")
		} else {
			logger.WithError(err).Warn("cancellation compensation failed")
		}
		c.metrics.Cancellation("failed")
		return order, err
	}

	settled := false
	if order.PaymentReference != "" {
		settled, err = c.payments.Settled(ctx, order.PaymentReference)
		if err != nil {
			c.metrics.Cancellation("failed")
			return order, fmt.Errorf("payment status: %w", err)
		}
	}

	cancelled, err := saga.UpdateOrder(ctx, c.orders, c.logger, orderID, func(cur *domain.Order) (bool, error) {
		if !cur.Status.Cancellable() {
			return false, fmt.Errorf("%w: order became %s during cancellation", domain.ErrInvalidState, cur.Status)
		}
		if cur.PaymentReference != order.PaymentReference {
			return false, fmt.Errorf("%w: payment captured during cancellation", domain.ErrBusy)
		}
		if !slices.Equal(cur.ReservationIDs, order.ReservationIDs) {
			return false, fmt.Errorf("%w: reservations replaced during cancellation", domain.ErrBusy)
		}
		cur.Status = domain.OrderStatusCancelled
		cur.CancelReason = reason
		cur.Inconsistent = false
		cur.InconsistencyReason = ""
		cur.RefundPending = settled
		return true, nil
	})
	if err != nil {
		c.metrics.Cancellation("failed")
		return cancelled, err
	}

	c.events.EmitOrder(ctx, &cancelled, domain.EventOrderCancelled, reason, map[string]any{
		"refund_pending": cancelled.RefundPending,
	})
	if !settled {
		c.metrics.Cancellation(string(domain.OrderStatusCancelled))
		logger.Info("order cancelled")
		return cancelled, nil
	}

	refunded, err := c.refund(ctx, cancelled)
	if err != nil {
		c.metrics.Cancellation("refund_pending")
		logger.WithError(err).Error("refund failed; refund obligation recorded")
		return cancelled, nil
	}
	c.metrics.Cancellation(string(domain.OrderStatusRefunded))
	logger.WithField("refund_minor", refunded.RefundMinor).Info("order refunded")
	return refunded, nil
}

// RetryRefund повторяет возврат для отменённого заказа с RefundPending.
func (c *Coordinator) RetryRefund(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == domain.OrderStatusRefunded {
		return order, nil
	}
	if order.Status != domain.OrderStatusCancelled || !order.RefundPending {
		return order, fmt.Errorf("%w: no pending refund for %s order", domain.ErrInvalidState, order.Status)
	}
	refunded, err := c.refund(ctx, order)
	if err != nil {
		return order, err
	}
	c.metrics.Cancellation(string(domain.OrderStatusRefunded))
	return refunded, nil
}

// compensate откатывает начисления, купон и остатки. Балансы продавцов
// проверяются до первого изменения, чтобы не оставить частичное сторно.
func (c *Coordinator) compensate(ctx context.Context, order domain.Order) error {
	fields := log.Fields{"order_id": order.ID}

	if order.Settlement.LedgerCredited {
		if err := c.checkBalances(ctx, order); err != nil {
			return err
		}
	}
	err := saga.Retry(ctx, c.retry, c.logger, domain.SagaStepReverse, fields, func(ctx context.Context) error {
		return c.reverseCredits(ctx, order)
	})
	if err != nil {
		return err
	}

	if code := order.CouponCode(); code != "" {
		err := saga.Retry(ctx, c.retry, c.logger, domain.SagaStepUncoupon, fields, func(ctx context.Context) error {
			return c.coupons.ReverseUsage(ctx, code, order.UserID, order.ID)
		})
		if err != nil {
			return err
		}
	}

	return saga.Retry(ctx, c.retry, c.logger, domain.SagaStepRestock, fields, func(ctx context.Context) error {
		return c.restock(ctx, order)
	})
}

func (c *Coordinator) checkBalances(ctx context.Context, order domain.Order) error {
	for _, split := range order.VendorSplits {
		if split.NetMinor == 0 {
			continue
		}
		ledger, err := c.ledgers.GetVendor(ctx, split.VendorID)
		if err != nil {
			return fmt.Errorf("vendor %s: %w", split.VendorID, err)
		}
		if ledger.PendingPayoutMinor < split.NetMinor {
			return fmt.Errorf("%w: vendor %s pending %d below reversal %d",
				domain.ErrLedgerInconsistency, split.VendorID, ledger.PendingPayoutMinor, split.NetMinor)
		}
	}
	return nil
}

// reverseCredits сторнирует net каждого продавца. Сторно без начисления — no-op.
func (c *Coordinator) reverseCredits(ctx context.Context, order domain.Order) error {
	var errs error
	for _, split := range order.VendorSplits {
		if split.NetMinor == 0 {
			continue
		}
		if _, err := c.ledgers.Post(ctx, split.VendorID, order.ID, domain.PostingOrderReversal, split.NetMinor); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reverse %s: %w", split.VendorID, err))
		}
	}
	return errs
}

// restock снимает активные резервы и возвращает подтверждённые. Истёкшие
// и снятые резервы ничего не списали, их пропускаем. Кроме резервов из
// заказа берутся все резервы склада по заказу: замена истёкшего резерва
// могла ещё не попасть в заказ.
func (c *Coordinator) restock(ctx context.Context, order domain.Order) error {
	ids := slices.Clone(order.ReservationIDs)
	byOrder, err := c.stock.ListByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("reservations of %s: %w", order.ID, err)
	}
	for _, res := range byOrder {
		if !slices.Contains(ids, res.ID) {
			ids = append(ids, res.ID)
		}
	}

	var errs error
	for _, id := range ids {
		res, err := c.stock.Get(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reservation %s: %w", id, err))
			continue
		}

		switch res.Status {
		case domain.ReservationStatusReserved:
			_, _, err = c.stock.Release(ctx, id)
			if err == nil {
				// Резерв могли подтвердить между чтением и снятием.
				res, err = c.stock.Get(ctx, id)
				if err == nil && res.Status == domain.ReservationStatusConfirmed {
					_, _, err = c.stock.Return(ctx, id)
				}
			}
		case domain.ReservationStatusConfirmed:
			_, _, err = c.stock.Return(ctx, id)
		default:
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *Coordinator) refund(ctx context.Context, order domain.Order) (domain.Order, error) {
	// Возврат не повторяется автоматически, только через RetryRefund.
	if err := c.payments.Refund(ctx, order.PaymentReference, order.TotalMinor); err != nil {
		return order, err
	}

	refunded, err := saga.UpdateOrder(ctx, c.orders, c.logger, order.ID, func(cur *domain.Order) (bool, error) {
		if cur.Status == domain.OrderStatusRefunded {
			return false, nil
		}
		if cur.Status != domain.OrderStatusCancelled {
			return false, fmt.Errorf("%w: refund %s order", domain.ErrInvalidState, cur.Status)
		}
		cur.Status = domain.OrderStatusRefunded
		cur.RefundPending = false
		cur.RefundMinor = cur.TotalMinor
		return true, nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("order_id", order.ID).Error("refund succeeded but order was not updated")
		return order, err
	}

	c.events.EmitOrder(ctx, &refunded, domain.EventOrderRefunded, refunded.CancelReason, map[string]any{
		"refund_minor": refunded.RefundMinor,
	})
	return refunded, nil
}
