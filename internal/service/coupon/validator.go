package coupon

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Validate проверяет, можно ли применить купон к подытогу пользователя, и
// возвращает сумму скидки. Функция чистая: счётчики купона не меняются.
//
// Порядок проверок фиксирован: Inactive, Expired, UsageExhausted,
// PerUserLimitExceeded, BelowMinimum.
func Validate(c domain.Coupon, userID string, subtotalMinor int64, now time.Time) (int64, error) {
	if !c.IsActive {
		return 0, domain.ErrCouponInactive
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return 0, domain.ErrCouponExpired
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return 0, domain.ErrCouponUsageExhausted
	}
	if c.PerUserLimit > 0 && c.UserCount(userID) >= c.PerUserLimit {
		return 0, domain.ErrCouponPerUserLimitExceeded
	}
	if subtotalMinor < c.MinOrderMinor {
		return 0, domain.ErrCouponBelowMinimum
	}
	return ComputeDiscount(c, subtotalMinor)
}

// ComputeDiscount считает скидку в минимальных единицах.
// Процентная скидка округляется half-up и ограничивается MaxDiscountMinor;
// любая скидка не превышает подытог.
func ComputeDiscount(c domain.Coupon, subtotalMinor int64) (int64, error) {
	if subtotalMinor < 0 {
		return 0, domain.ErrInvalidAmount
	}
	if c.Value.IsNegative() {
		return 0, fmt.Errorf("%w: coupon %s has negative value", domain.ErrInvalidAmount, c.Code)
	}

	var discount int64
	switch c.Type {
	case domain.DiscountPercentage:
		discount = decimal.NewFromInt(subtotalMinor).Mul(c.Value).Div(hundred).Round(0).IntPart()
		if c.MaxDiscountMinor > 0 && discount > c.MaxDiscountMinor {
			discount = c.MaxDiscountMinor
		}
	case domain.DiscountFixed:
		discount = c.Value.Round(0).IntPart()
	default:
		return 0, fmt.Errorf("%w: unknown discount type %q", domain.ErrInvalidRequest, c.Type)
	}

	if discount > subtotalMinor {
		discount = subtotalMinor
	}
	return discount, nil
}
