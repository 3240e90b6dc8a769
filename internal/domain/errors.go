package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCart возвращается, если в корзине нет ни одной позиции.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInsufficientStock — на складе недостаточно свободного остатка.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrCouponNotFound — купон с таким кодом не существует.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponInactive — купон выключен.
	ErrCouponInactive = errors.New("coupon is inactive")
	// ErrCouponExpired — срок действия купона истёк.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponUsageExhausted — исчерпан глобальный лимит использований.
	ErrCouponUsageExhausted = errors.New("coupon usage limit exhausted")
	// ErrCouponPerUserLimitExceeded — пользователь исчерпал свой лимит.
	ErrCouponPerUserLimitExceeded = errors.New("coupon per-user limit exceeded")
	// ErrCouponBelowMinimum — сумма заказа ниже минимальной для купона.
	ErrCouponBelowMinimum = errors.New("order subtotal below coupon minimum")
	// ErrInvalidState — недопустимый переход статуса.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrInsufficientBalance — запрошенная выплата больше баланса продавца.
	ErrInsufficientBalance = errors.New("insufficient vendor balance")
	// ErrLedgerInconsistency — операция увела бы баланс продавца в минус.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	// ErrTimeout — превышен дедлайн резервирования или саги.
	ErrTimeout = errors.New("operation timed out")
	// ErrBusy — не удалось дождаться блокировки ключа.
	ErrBusy = errors.New("resource busy")

	// ErrProductNotFound — каталог не знает товар.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrReservationNotFound — резерв с таким идентификатором не найден.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationLapsed — резерв истёк или снят раньше, чем его подтвердили.
	ErrReservationLapsed = errors.New("reservation lapsed before confirm")
	// ErrStockNotFound — нет записи об остатке для ключа.
	ErrStockNotFound = errors.New("stock record not found")
	// ErrVendorNotFound — нет леджера продавца.
	ErrVendorNotFound = errors.New("vendor ledger not found")
	// ErrPayoutNotFound — выплата не найдена.
	ErrPayoutNotFound = errors.New("payout not found")
	// ErrPaymentDeclined — платёж отклонён провайдером.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrRefundFailed — провайдер не смог вернуть деньги.
	ErrRefundFailed = errors.New("refund failed")
	// ErrInvalidRequest — входные данные не прошли валидацию.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidAmount — сумма или количество должны быть положительными.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrCurrencyMismatch — позиции корзины в разных валютах.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// InsufficientStockError уточняет, какой товар не удалось зарезервировать.
type InsufficientStockError struct {
	ProductID string
	VariantID string
}

func (e *InsufficientStockError) Error() string {
	if e.VariantID == "" {
		return fmt.Sprintf("insufficient stock: product %s", e.ProductID)
	}
	return fmt.Sprintf("insufficient stock: product %s variant %s", e.ProductID, e.VariantID)
}

// Is позволяет сравнивать через errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// NewInsufficientStockError создаёт ошибку для ключа остатка.
func NewInsufficientStockError(key StockKey) error {
	return &InsufficientStockError{ProductID: key.ProductID, VariantID: key.VariantID}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsValidationError сообщает, что ошибка относится к валидации и не имела побочных эффектов.
func IsValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrCouponNotFound),
		errors.Is(err, ErrCouponInactive),
		errors.Is(err, ErrCouponExpired),
		errors.Is(err, ErrCouponUsageExhausted),
		errors.Is(err, ErrCouponPerUserLimitExceeded),
		errors.Is(err, ErrCouponBelowMinimum),
		errors.Is(err, ErrInvalidRequest):
		return true
	default:
		return false
	}
}
