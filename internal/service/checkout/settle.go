package checkout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
)

// ErrStillInconsistent — сверка не смогла довести заказ до конца.
var ErrStillInconsistent = errors.New("order still inconsistent")

// settle выполняет шаги после сохранения заказа: событие order.created,
// подтверждение резервов, учёт купона, начисление продавцам и очистку
// корзины. Каждый шаг идемпотентен и повторяется; выполненные шаги
// пропускаются. Итог фиксируется в заказе, невыполненные шаги выставляют
// Inconsistent. Если заказ отменили, пока шли шаги, возвращается
// domain.ErrInvalidState, а заменённые резервы возвращаются на склад.
func (o *Orchestrator) settle(ctx context.Context, order domain.Order, clearCart bool) (domain.Order, error) {
	fields := log.Fields{"order_id": order.ID, "user_id": order.UserID}
	logger := o.logger.WithFields(fields)
	progress := order.Settlement
	ids := slices.Clone(order.ReservationIDs)
	var failures []string

	fail := func(step domain.SagaStep, err error) {
		failures = append(failures, fmt.Sprintf("%s: %v", step, err))
	}

	if !progress.Announced {
		stepStart := time.Now()
		err := saga.Retry(ctx, o.retry, o.logger, domain.SagaStepAnnounce, fields, func(ctx context.Context) error {
			return o.events.EnqueueOrder(ctx, &order, domain.EventOrderCreated, "", map[string]any{
				"total_minor": order.TotalMinor,
				"currency":    order.Currency,
				"items":       len(order.Items),
			})
		})
		o.observe(domain.SagaStepAnnounce, stepStart)
		if err != nil {
			fail(domain.SagaStepAnnounce, err)
		} else {
			progress.Announced = true
		}
	}

	if !progress.ReservationsConfirmed {
		stepStart := time.Now()
		err := saga.Retry(ctx, o.retry, o.logger, domain.SagaStepConfirm, fields, func(ctx context.Context) error {
			return o.reservations.ConfirmAll(ctx, ids)
		})
		if errors.Is(err, domain.ErrReservationLapsed) {
			ids, err = o.reacquire(ctx, order.ID, ids)
		}
		o.observe(domain.SagaStepConfirm, stepStart)
		if err != nil {
			fail(domain.SagaStepConfirm, err)
		} else {
			progress.ReservationsConfirmed = true
		}
	}

	if !progress.CouponRecorded {
		if order.AppliedCoupon == nil {
			progress.CouponRecorded = true
		} else {
			stepStart := time.Now()
			err := saga.Retry(ctx, o.retry, o.logger, domain.SagaStepRecord, fields, func(ctx context.Context) error {
				return o.coupons.RecordUsage(ctx, order.AppliedCoupon.Code, order.UserID, order.ID)
			})
			o.observe(domain.SagaStepRecord, stepStart)
			if err != nil {
				fail(domain.SagaStepRecord, err)
			} else {
				progress.CouponRecorded = true
			}
		}
	}

	if !progress.LedgerCredited {
		stepStart := time.Now()
		err := saga.Retry(ctx, o.retry, o.logger, domain.SagaStepCredit, fields, func(ctx context.Context) error {
			return o.credit(ctx, order)
		})
		o.observe(domain.SagaStepCredit, stepStart)
		if err != nil {
			fail(domain.SagaStepCredit, err)
		} else {
			progress.LedgerCredited = true
		}
	}

	if !progress.CartCleared {
		if clearCart {
			stepStart := time.Now()
			err := saga.Retry(ctx, o.retry, o.logger, domain.SagaStepClearCart, fields, func(ctx context.Context) error {
				return o.carts.Clear(ctx, order.UserID)
			})
			o.observe(domain.SagaStepClearCart, stepStart)
			if err != nil {
				fail(domain.SagaStepClearCart, err)
			} else {
				progress.CartCleared = true
			}
		} else {
			// Пользователь мог уже собрать новую корзину.
			logger.Info("cart clearing skipped during reconciliation")
			progress.CartCleared = true
		}
	}

	reason := strings.Join(failures, "; ")
	recovered := !clearCart && order.Settling()
	wasInconsistent := order.Inconsistent && !order.Settling()
	updated, err := saga.UpdateOrder(ctx, o.orders, o.logger, order.ID, func(cur *domain.Order) (bool, error) {
		if cur.Status == domain.OrderStatusCancelled || cur.Status == domain.OrderStatusRefunded {
			return false, fmt.Errorf("%w: order became %s during settlement", domain.ErrInvalidState, cur.Status)
		}
		merged := mergeSettlement(cur.Settlement, progress)
		inconsistent := !merged.Complete()
		curReason := reason
		if !inconsistent {
			curReason = ""
		}
		if merged == cur.Settlement &&
			inconsistent == cur.Inconsistent &&
			curReason == cur.InconsistencyReason &&
			slices.Equal(cur.ReservationIDs, ids) {
			return false, nil
		}
		cur.Settlement = merged
		cur.ReservationIDs = ids
		cur.Inconsistent = inconsistent
		cur.InconsistencyReason = curReason
		return true, nil
	})
	if errors.Is(err, domain.ErrInvalidState) {
		logger.WithField("status", updated.Status).Warn("order cancelled during settlement")
		o.revertReplaced(ctx, order, ids)
		return updated, err
	}
	if err != nil {
		// В хранилище остаётся прежняя отметка сверки, заказ подберёт воркер.
		logger.WithError(err).Error("failed to persist settlement progress")
		order.Settlement = mergeSettlement(order.Settlement, progress)
		order.ReservationIDs = ids
		order.Inconsistent = true
		order.InconsistencyReason = strings.Join(append(failures, fmt.Sprintf("persist settlement: %v", err)), "; ")
		updated = order
	}

	switch {
	case updated.Inconsistent && !wasInconsistent:
		o.metrics.OrderInconsistent()
		logger.WithField("reason", updated.InconsistencyReason).Error("order left inconsistent")
		o.events.EmitOrder(ctx, &updated, domain.EventOrderInconsistent, updated.InconsistencyReason, nil)
	case !updated.Inconsistent && (wasInconsistent || recovered):
		o.metrics.OrderReconciled()
		logger.Info("order reconciled")
		o.events.EmitOrder(ctx, &updated, domain.EventOrderReconciled, "", nil)
	case updated.Inconsistent:
		logger.WithField("reason", updated.InconsistencyReason).Warn("order still inconsistent")
	}
	return updated, nil
}

// revertReplaced возвращает на склад резервы, полученные взамен истёкших,
// если заказ отменили раньше, чем они попали в заказ.
func (o *Orchestrator) revertReplaced(ctx context.Context, order domain.Order, ids []string) {
	var replaced []string
	for _, id := range ids {
		if !slices.Contains(order.ReservationIDs, id) {
			replaced = append(replaced, id)
		}
	}
	if len(replaced) == 0 {
		return
	}
	if err := o.reservations.RevertAll(ctx, replaced); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id":     order.ID,
			"reservations": replaced,
		}).Error("failed to revert replaced reservations of cancelled order")
	}
}

// credit начисляет net каждому продавцу. Проводки ключуются заказом, повтор безопасен.
func (o *Orchestrator) credit(ctx context.Context, order domain.Order) error {
	var errs error
	for _, split := range order.VendorSplits {
		if split.NetMinor == 0 {
			continue
		}
		if _, err := o.ledgers.Post(ctx, split.VendorID, order.ID, domain.PostingOrderCredit, split.NetMinor); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("credit %s: %w", split.VendorID, err))
		}
	}
	return errs
}

// reacquire заменяет истёкшие резервы новыми. Неудачные идентификаторы
// остаются на месте, чтобы сверка попробовала ещё раз. Для отменённого
// заказа остаток не берётся.
func (o *Orchestrator) reacquire(ctx context.Context, orderID string, ids []string) ([]string, error) {
	cur, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return ids, fmt.Errorf("reacquire: %w", err)
	}
	if cur.Status == domain.OrderStatusCancelled || cur.Status == domain.OrderStatusRefunded {
		return ids, fmt.Errorf("%w: reacquire for %s order", domain.ErrInvalidState, cur.Status)
	}

	replaced := make([]string, len(ids))
	var errs error
	for i, id := range ids {
		replaced[i] = id
		res, err := o.reservations.Reacquire(ctx, orderID, id)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reacquire %s: %w", id, err))
			continue
		}
		replaced[i] = res.ID
	}
	return replaced, errs
}

func mergeSettlement(a, b domain.Settlement) domain.Settlement {
	return domain.Settlement{
		Announced:             a.Announced || b.Announced,
		ReservationsConfirmed: a.ReservationsConfirmed || b.ReservationsConfirmed,
		CouponRecorded:        a.CouponRecorded || b.CouponRecorded,
		LedgerCredited:        a.LedgerCredited || b.LedgerCredited,
		CartCleared:           a.CartCleared || b.CartCleared,
	}
}

// Reconcile повторно проводит незавершённые шаги заказа. Корзина при
// сверке не очищается. Заказ, который ещё оформляется, даёт domain.ErrBusy.
func (o *Orchestrator) Reconcile(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == domain.OrderStatusCancelled || order.Status == domain.OrderStatusRefunded {
		return order, fmt.Errorf("%w: reconcile %s order", domain.ErrInvalidState, order.Status)
	}
	if order.Settlement.Complete() && !order.Inconsistent {
		return order, nil
	}
	if order.SettlingWithin(o.now(), o.settleGrace) {
		return order, fmt.Errorf("%w: order %s is still settling", domain.ErrBusy, orderID)
	}

	updated, err := o.settle(ctx, order, false)
	if err != nil {
		return updated, err
	}
	if updated.Inconsistent {
		return updated, fmt.Errorf("%w: %s", ErrStillInconsistent, updated.InconsistencyReason)
	}
	return updated, nil
}

// CapturePayment списывает деньги по заказу и переводит его в processing.
// Повторный вызов для оплаченного заказа возвращает его без нового списания.
func (o *Orchestrator) CapturePayment(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	logger := o.logger.WithField("order_id", orderID)

	if order.Status == domain.OrderStatusProcessing && order.PaymentReference != "" {
		return order, nil
	}
	if order.Status != domain.OrderStatusPending {
		return order, fmt.Errorf("%w: capture payment for %s order", domain.ErrInvalidState, order.Status)
	}

	ref := order.PaymentReference
	charged := false
	if ref == "" {
		res, err := o.payments.Charge(ctx, order.TotalMinor, order.Currency, order.PaymentMethod)
		if err != nil {
			logger.WithError(err).Warn("payment charge failed")
			return order, err
		}
		ref = res.Reference
		charged = true
	}

	updated, err := saga.UpdateOrder(ctx, o.orders, o.logger, orderID, func(cur *domain.Order) (bool, error) {
		if cur.Status == domain.OrderStatusProcessing && cur.PaymentReference == ref {
			return false, nil
		}
		if cur.Status != domain.OrderStatusPending {
			return false, fmt.Errorf("%w: order became %s during capture", domain.ErrInvalidState, cur.Status)
		}
		cur.Status = domain.OrderStatusProcessing
		cur.PaymentReference = ref
		return true, nil
	})
	if err != nil {
		if charged && errors.Is(err, domain.ErrInvalidState) {
			// Заказ отменили, пока шло списание: деньги возвращаются сразу.
			if refundErr := o.payments.Refund(context.WithoutCancel(ctx), ref, order.TotalMinor); refundErr != nil {
				logger.WithError(refundErr).WithField("payment_reference", ref).Error("refund after concurrent cancel failed")
			}
		} else if charged {
			logger.WithError(err).WithField("payment_reference", ref).Error("charge succeeded but order was not updated")
		}
		return updated, err
	}

	o.events.EmitOrder(ctx, &updated, domain.EventOrderPaid, "", map[string]any{
		"payment_reference": ref,
		"total_minor":       updated.TotalMinor,
	})
	logger.WithField("payment_reference", ref).Info("payment captured")
	return updated, nil
}
