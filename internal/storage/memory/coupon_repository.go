package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type couponRedemption struct {
	code     string
	userID   string
	reversed bool
}

// couponRepositoryInMemory меняет счётчики под мьютексом; погашения
// индексируются по заказу, что делает запись и сторно идемпотентными.
type couponRepositoryInMemory struct {
	mu          sync.Mutex
	coupons     map[string]domain.Coupon
	redemptions map[string]couponRedemption
}

// NewCouponRepository создаёт in-memory хранилище купонов.
func NewCouponRepository() domain.CouponRepository {
	return &couponRepositoryInMemory{
		coupons:     make(map[string]domain.Coupon),
		redemptions: make(map[string]couponRedemption),
	}
}

func (r *couponRepositoryInMemory) Get(_ context.Context, code string) (domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	coupon, ok := r.coupons[domain.NormalizeCouponCode(code)]
	if !ok {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return cloneCoupon(coupon), nil
}

func (r *couponRepositoryInMemory) Save(_ context.Context, coupon domain.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	coupon.Code = domain.NormalizeCouponCode(coupon.Code)
	r.coupons[coupon.Code] = cloneCoupon(coupon)
	return nil
}

func (r *couponRepositoryInMemory) RecordUsage(_ context.Context, code, userID, orderID string, at time.Time) (bool, error) {
	code = domain.NormalizeCouponCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	coupon, ok := r.coupons[code]
	if !ok {
		return false, domain.ErrCouponNotFound
	}
	if _, done := r.redemptions[orderID]; done {
		return false, nil
	}
	if coupon.UsageLimit > 0 && coupon.UsageCount >= coupon.UsageLimit {
		return false, domain.ErrCouponUsageExhausted
	}
	if coupon.PerUserLimit > 0 && coupon.UserCount(userID) >= coupon.PerUserLimit {
		return false, domain.ErrCouponPerUserLimitExceeded
	}

	coupon.UsageCount++
	coupon.UsedBy = adjustUserUsage(coupon.UsedBy, userID, 1, at)
	r.coupons[code] = coupon
	r.redemptions[orderID] = couponRedemption{code: code, userID: userID}
	return true, nil
}

func (r *couponRepositoryInMemory) ReverseUsage(_ context.Context, code, userID, orderID string, at time.Time) (bool, error) {
	code = domain.NormalizeCouponCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	redemption, ok := r.redemptions[orderID]
	if !ok {
		// Сторно раньше записи: надгробие не даст записать использование позже.
		r.redemptions[orderID] = couponRedemption{code: code, userID: userID, reversed: true}
		return false, nil
	}
	if redemption.reversed || redemption.code != code {
		return false, nil
	}
	coupon, ok := r.coupons[code]
	if !ok {
		return false, domain.ErrCouponNotFound
	}

	if coupon.UsageCount > 0 {
		coupon.UsageCount--
	}
	coupon.UsedBy = adjustUserUsage(coupon.UsedBy, userID, -1, at)
	r.coupons[code] = coupon

	redemption.reversed = true
	r.redemptions[orderID] = redemption
	return true, nil
}

// adjustUserUsage меняет счётчик пользователя на delta, не опуская его ниже нуля.
func adjustUserUsage(usages []domain.CouponUsage, userID string, delta int, at time.Time) []domain.CouponUsage {
	result := append([]domain.CouponUsage(nil), usages...)
	for i := range result {
		if result[i].UserID != userID {
			continue
		}
		result[i].Count += delta
		if result[i].Count < 0 {
			result[i].Count = 0
		}
		if delta > 0 {
			result[i].LastUsedAt = at
		}
		return result
	}
	if delta > 0 {
		result = append(result, domain.CouponUsage{UserID: userID, Count: delta, LastUsedAt: at})
	}
	return result
}

func cloneCoupon(coupon domain.Coupon) domain.Coupon {
	coupon.UsedBy = append([]domain.CouponUsage(nil), coupon.UsedBy...)
	return coupon
}

var _ domain.CouponRepository = (*couponRepositoryInMemory)(nil)
