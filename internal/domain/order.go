package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, оплата ещё не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing — оплата прошла, заказ собирается.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped — передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — получен покупателем.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — отменён, деньги не списывались.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded — отменён после списания, деньги возвращены.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Cancellable сообщает, можно ли отменить заказ из текущего статуса.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing
}

// OrderItem представляет одну позицию заказа с ценой на момент покупки.
type OrderItem struct {
	ProductID string
	VariantID string
	VendorID  string
	Quantity  int32
	// UnitPriceMinor — цена за единицу в минимальных денежных единицах (центах).
	UnitPriceMinor int64
}

// Key возвращает ключ складского остатка позиции.
func (i OrderItem) Key() StockKey {
	return StockKey{ProductID: i.ProductID, VariantID: i.VariantID}
}

// LineTotalMinor — quantity * unitPrice.
func (i OrderItem) LineTotalMinor() int64 {
	return int64(i.Quantity) * i.UnitPriceMinor
}

// AppliedCoupon — замороженный снимок купона на момент оформления.
type AppliedCoupon struct {
	Code          string
	Type          DiscountType
	Value         decimal.Decimal
	DiscountMinor int64
}

// VendorSplit — доля продавца в заказе.
type VendorSplit struct {
	VendorID           string
	GrossMinor         int64
	CommissionRate     decimal.Decimal
	CommissionMinor    int64
	DiscountShareMinor int64
	NetMinor           int64
}

// SettlingReason — причина сверки у заказа, чьи шаги после сохранения ещё
// выполняются. Заказ создаётся с ней, settle её снимает. Если процесс упал
// посередине, заказ остаётся в выборке сверки.
const SettlingReason = "settling"

// Settlement фиксирует, какие шаги после сохранения заказа уже выполнены.
type Settlement struct {
	// Announced — событие order.created записано в outbox.
	Announced             bool
	ReservationsConfirmed bool
	CouponRecorded        bool
	LedgerCredited        bool
	CartCleared           bool
}

// Complete возвращает true, когда все шаги завершены.
func (s Settlement) Complete() bool {
	return s.Announced && s.ReservationsConfirmed && s.CouponRecorded && s.LedgerCredited && s.CartCleared
}

// Order агрегирует состояние заказа. После создания меняются только статус,
// поля возврата и служебные флаги сверки.
type Order struct {
	ID              string
	UserID          string
	Items           []OrderItem
	Currency        string
	SubtotalMinor   int64
	AppliedCoupon   *AppliedCoupon
	DiscountMinor   int64
	TaxMinor        int64
	TotalMinor      int64
	Status          OrderStatus
	PaymentMethod   string
	ShippingAddress string
	VendorSplits    []VendorSplit
	ReservationIDs  []string
	Settlement      Settlement
	// Inconsistent выставляется, если шаги 8–11 не удалось довести до конца.
	Inconsistent        bool
	InconsistencyReason string
	PaymentReference    string
	RefundMinor         int64
	RefundPending       bool
	CancelReason        string
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Settling сообщает, что шаги после сохранения заказа ещё не зафиксированы.
func (o *Order) Settling() bool {
	return o.Inconsistent && o.InconsistencyReason == SettlingReason
}

// SettlingWithin сообщает, что заказ в процессе оформления и с последнего
// изменения прошло меньше grace. Старше — считается брошенным.
func (o *Order) SettlingWithin(now time.Time, grace time.Duration) bool {
	unsettled := o.Settling() || (!o.Inconsistent && !o.Settlement.Complete())
	return unsettled && now.Sub(o.UpdatedAt) < grace
}

// CouponCode возвращает код применённого купона или пустую строку.
func (o *Order) CouponCode() string {
	if o.AppliedCoupon == nil {
		return ""
	}
	return o.AppliedCoupon.Code
}

// SplitTotals возвращает суммы net и commission по всем продавцам.
func (o *Order) SplitTotals() (net, commission int64) {
	for _, split := range o.VendorSplits {
		net += split.NetMinor
		commission += split.CommissionMinor
	}
	return net, commission
}

// ValidateInvariants проверяет денежные инварианты заказа.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrInvalidRequest)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrEmptyCart)
	}

	var subtotal int64
	for _, item := range o.Items {
		if item.Quantity <= 0 || item.UnitPriceMinor < 0 {
			errs = append(errs, ErrInvalidAmount)
		}
		subtotal += item.LineTotalMinor()
	}
	if subtotal != o.SubtotalMinor {
		errs = append(errs, ErrLedgerInconsistency)
	}
	if o.SubtotalMinor-o.DiscountMinor+o.TaxMinor != o.TotalMinor {
		errs = append(errs, ErrLedgerInconsistency)
	}

	net, commission := o.SplitTotals()
	if net+commission+o.TaxMinor != o.TotalMinor {
		errs = append(errs, ErrLedgerInconsistency)
	}

	return errs
}
