package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type couponRepository struct {
	store *Store
}

// NewCouponRepository создаёт PostgreSQL-хранилище купонов. Погашения
// хранятся по заказу в coupon_redemptions.
func NewCouponRepository(store *Store) domain.CouponRepository {
	return &couponRepository{store: store}
}

func (r *couponRepository) Get(ctx context.Context, code string) (domain.Coupon, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return loadCoupon(ctx, r.store.db, domain.NormalizeCouponCode(code), false)
}

// Save создаёт или перезаписывает купон вместе со счётчиками пользователей.
func (r *couponRepository) Save(ctx context.Context, coupon domain.Coupon) error {
	coupon.Code = domain.NormalizeCouponCode(coupon.Code)

	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coupons (
				code, discount_type, value, min_order_minor, max_discount_minor,
				expires_at, usage_limit, per_user_limit, usage_count, is_active
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (code) DO UPDATE
			SET discount_type = EXCLUDED.discount_type,
			    value = EXCLUDED.value,
			    min_order_minor = EXCLUDED.min_order_minor,
			    max_discount_minor = EXCLUDED.max_discount_minor,
			    expires_at = EXCLUDED.expires_at,
			    usage_limit = EXCLUDED.usage_limit,
			    per_user_limit = EXCLUDED.per_user_limit,
			    usage_count = EXCLUDED.usage_count,
			    is_active = EXCLUDED.is_active
		`,
			coupon.Code, string(coupon.Type), coupon.Value, coupon.MinOrderMinor, coupon.MaxDiscountMinor,
			nullTime(coupon.ExpiresAt), coupon.UsageLimit, coupon.PerUserLimit, coupon.UsageCount, coupon.IsActive,
		); err != nil {
			return fmt.Errorf("upsert coupon: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM coupon_usages WHERE code = $1`, coupon.Code); err != nil {
			return fmt.Errorf("reset coupon usages: %w", err)
		}
		for _, usage := range coupon.UsedBy {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO coupon_usages (code, user_id, usage_count, last_used_at)
				VALUES ($1,$2,$3,$4)
			`, coupon.Code, usage.UserID, usage.Count, nullTime(usage.LastUsedAt)); err != nil {
				return fmt.Errorf("insert coupon usage: %w", err)
			}
		}
		return nil
	})
}

// RecordUsage блокирует строку купона, повторно проверяет лимиты и
// увеличивает оба счётчика.
func (r *couponRepository) RecordUsage(ctx context.Context, code, userID, orderID string, at time.Time) (bool, error) {
	code = domain.NormalizeCouponCode(code)

	var applied bool
	err := r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		coupon, err := loadCoupon(ctx, tx, code, true)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO coupon_redemptions (order_id, code, user_id, reversed, created_at, updated_at)
			VALUES ($1,$2,$3,FALSE,$4,$4)
			ON CONFLICT (order_id) DO NOTHING
		`, orderID, code, userID, at)
		if err != nil {
			return fmt.Errorf("insert coupon redemption: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			return nil
		}

		if coupon.UsageLimit > 0 && coupon.UsageCount >= coupon.UsageLimit {
			return domain.ErrCouponUsageExhausted
		}
		if coupon.PerUserLimit > 0 && coupon.UserCount(userID) >= coupon.PerUserLimit {
			return domain.ErrCouponPerUserLimitExceeded
		}

		if _, err := tx.ExecContext(ctx, `UPDATE coupons SET usage_count = usage_count + 1 WHERE code = $1`, code); err != nil {
			return fmt.Errorf("increment coupon usage: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coupon_usages (code, user_id, usage_count, last_used_at)
			VALUES ($1,$2,1,$3)
			ON CONFLICT (code, user_id) DO UPDATE
			SET usage_count = coupon_usages.usage_count + 1,
			    last_used_at = EXCLUDED.last_used_at
		`, code, userID, at); err != nil {
			return fmt.Errorf("increment user coupon usage: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// ReverseUsage снимает погашение заказа; счётчики не опускаются ниже нуля.
// Сторно раньше записи оставляет погашение-надгробие с reversed = TRUE, и
// последующий RecordUsage для заказа ничего не делает. Строка купона
// блокируется так же, как в RecordUsage.
func (r *couponRepository) ReverseUsage(ctx context.Context, code, userID, orderID string, at time.Time) (bool, error) {
	code = domain.NormalizeCouponCode(code)

	var reversed bool
	err := r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := loadCoupon(ctx, tx, code, true); err != nil {
			if errors.Is(err, domain.ErrCouponNotFound) {
				return nil
			}
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE coupon_redemptions
			SET reversed = TRUE, updated_at = $3
			WHERE order_id = $1 AND code = $2 AND NOT reversed
		`, orderID, code, at)
		if err != nil {
			return fmt.Errorf("reverse coupon redemption: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO coupon_redemptions (order_id, code, user_id, reversed, created_at, updated_at)
				VALUES ($1,$2,$3,TRUE,$4,$4)
				ON CONFLICT (order_id) DO NOTHING
			`, orderID, code, userID, at); err != nil {
				return fmt.Errorf("insert coupon redemption tombstone: %w", err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE coupons SET usage_count = GREATEST(usage_count - 1, 0) WHERE code = $1
		`, code); err != nil {
			return fmt.Errorf("decrement coupon usage: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE coupon_usages SET usage_count = GREATEST(usage_count - 1, 0)
			WHERE code = $1 AND user_id = $2
		`, code, userID); err != nil {
			return fmt.Errorf("decrement user coupon usage: %w", err)
		}
		reversed = true
		return nil
	})
	return reversed, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadCoupon(ctx context.Context, q querier, code string, forUpdate bool) (domain.Coupon, error) {
	query := `
		SELECT code, discount_type, value, min_order_minor, max_discount_minor,
		       expires_at, usage_limit, per_user_limit, usage_count, is_active
		FROM coupons
		WHERE code = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		coupon  domain.Coupon
		kind    string
		expires sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, code).Scan(
		&coupon.Code, &kind, &coupon.Value, &coupon.MinOrderMinor, &coupon.MaxDiscountMinor,
		&expires, &coupon.UsageLimit, &coupon.PerUserLimit, &coupon.UsageCount, &coupon.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	if err != nil {
		return domain.Coupon{}, mapError(fmt.Errorf("select coupon: %w", err))
	}
	coupon.Type = domain.DiscountType(kind)
	coupon.ExpiresAt = timeOf(expires)

	rows, err := q.QueryContext(ctx, `
		SELECT user_id, usage_count, last_used_at
		FROM coupon_usages
		WHERE code = $1
		ORDER BY user_id
	`, code)
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("select coupon usages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			usage    domain.CouponUsage
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&usage.UserID, &usage.Count, &lastUsed); err != nil {
			return domain.Coupon{}, fmt.Errorf("scan coupon usage: %w", err)
		}
		usage.LastUsedAt = timeOf(lastUsed)
		coupon.UsedBy = append(coupon.UsedBy, usage)
	}
	if err := rows.Err(); err != nil {
		return domain.Coupon{}, fmt.Errorf("iterate coupon usages: %w", err)
	}
	return coupon, nil
}

var _ domain.CouponRepository = (*couponRepository)(nil)
