package domain

import "time"

// Типы событий заказа и выплат: пишутся в timeline и в outbox.
const (
	EventOrderCreated      = "order.created"
	EventOrderCancelled    = "order.cancelled"
	EventOrderRefunded     = "order.refunded"
	EventOrderInconsistent = "order.inconsistent"
	EventOrderReconciled   = "order.reconciled"
	EventOrderPaid         = "order.paid"
	EventPayoutCompleted   = "payout.completed"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
