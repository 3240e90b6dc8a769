package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType — способ расчёта скидки.
type DiscountType string

const (
	// DiscountPercentage — Value задаёт процент от подытога.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed — Value задаёт сумму скидки в минимальных единицах.
	DiscountFixed DiscountType = "fixed"
)

// CouponUsage — счётчик использований купона конкретным пользователем.
type CouponUsage struct {
	UserID     string
	Count      int
	LastUsedAt time.Time
}

// Coupon описывает скидочный купон. Нулевые лимиты означают «без ограничения».
type Coupon struct {
	Code             string
	Type             DiscountType
	Value            decimal.Decimal
	MinOrderMinor    int64
	MaxDiscountMinor int64
	ExpiresAt        time.Time
	UsageLimit       int
	PerUserLimit     int
	UsageCount       int
	UsedBy           []CouponUsage
	IsActive         bool
}

// UserCount возвращает число использований купона пользователем.
func (c *Coupon) UserCount(userID string) int {
	for _, usage := range c.UsedBy {
		if usage.UserID == userID {
			return usage.Count
		}
	}
	return 0
}

// Snapshot замораживает параметры купона для заказа.
func (c *Coupon) Snapshot(discountMinor int64) *AppliedCoupon {
	return &AppliedCoupon{
		Code:          c.Code,
		Type:          c.Type,
		Value:         c.Value,
		DiscountMinor: discountMinor,
	}
}

// NormalizeCouponCode приводит код к каноническому виду.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
