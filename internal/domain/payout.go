package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VendorLedger — баланс продавца: заработано, но ещё не выплачено.
type VendorLedger struct {
	VendorID           string
	PendingPayoutMinor int64
	TotalPayoutsMinor  int64
	// CommissionRate — комиссия площадки в процентах.
	CommissionRate decimal.Decimal
	UpdatedAt      time.Time
}

// PostingKind — тип проводки по леджеру продавца.
type PostingKind string

const (
	// PostingOrderCredit — начисление net-суммы за заказ.
	PostingOrderCredit PostingKind = "order_credit"
	// PostingOrderReversal — сторно начисления при отмене.
	PostingOrderReversal PostingKind = "order_reversal"
)

// PayoutStatus описывает состояние выплаты.
type PayoutStatus string

const (
	PayoutStatusRequested  PayoutStatus = "requested"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// CanTransition проверяет переход Requested -> Processing -> Completed|Failed.
func (s PayoutStatus) CanTransition(to PayoutStatus) bool {
	switch s {
	case PayoutStatusRequested:
		return to == PayoutStatusProcessing
	case PayoutStatusProcessing:
		return to == PayoutStatusCompleted || to == PayoutStatusFailed
	default:
		return false
	}
}

// Payout — заявка продавца на выплату.
type Payout struct {
	ID            string
	VendorID      string
	AmountMinor   int64
	Status        PayoutStatus
	FailureReason string
	RequestedAt   time.Time
	ProcessedAt   time.Time
}
