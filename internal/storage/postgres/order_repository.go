package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const orderColumns = `
	id, user_id, status, currency, subtotal_minor, discount_minor, tax_minor, total_minor,
	applied_coupon, payment_method, shipping_address, reservation_ids,
	announced, reservations_confirmed, coupon_recorded, ledger_credited, cart_cleared,
	inconsistent, inconsistency_reason, payment_reference, refund_minor, refund_pending,
	cancel_reason, version, created_at, updated_at`

type orderRepository struct {
	store *Store
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{store: store}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	coupon, reservations, err := encodeOrderJSON(order)
	if err != nil {
		return err
	}

	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		`,
			order.ID, order.UserID, string(order.Status), order.Currency,
			order.SubtotalMinor, order.DiscountMinor, order.TaxMinor, order.TotalMinor,
			coupon, order.PaymentMethod, order.ShippingAddress, reservations,
			order.Settlement.Announced, order.Settlement.ReservationsConfirmed, order.Settlement.CouponRecorded,
			order.Settlement.LedgerCredited, order.Settlement.CartCleared,
			order.Inconsistent, order.InconsistencyReason, order.PaymentReference,
			order.RefundMinor, order.RefundPending, order.CancelReason,
			order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderVersionConflict
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, line_no, product_id, variant_id, vendor_id, quantity, unit_price_minor)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, order.ID, i, item.ProductID, item.VariantID, item.VendorID, item.Quantity, item.UnitPriceMinor); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		for _, split := range order.VendorSplits {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_vendor_splits (
					order_id, vendor_id, gross_minor, commission_rate, commission_minor, discount_share_minor, net_minor
				) VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, order.ID, split.VendorID, split.GrossMinor, split.CommissionRate,
				split.CommissionMinor, split.DiscountShareMinor, split.NetMinor); err != nil {
				return fmt.Errorf("insert vendor split: %w", err)
			}
		}
		return nil
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.store.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, mapError(fmt.Errorf("select order: %w", err))
	}
	if err := r.loadDetails(ctx, &order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return r.list(ctx, query+` LIMIT $2`, userID, limit)
	}
	return r.list(ctx, query, userID)
}

// ListInconsistent возвращает заказы с флагом сверки, старые первыми.
func (r *orderRepository) ListInconsistent(ctx context.Context, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE inconsistent ORDER BY created_at, id`
	if limit > 0 {
		return r.list(ctx, query+` LIMIT $1`, limit)
	}
	return r.list(ctx, query)
}

// Save обновляет изменяемые поля заказа, если версия совпадает с сохранённой.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	_, reservations, err := encodeOrderJSON(order)
	if err != nil {
		return err
	}

	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    reservation_ids = $2,
			    announced = $3,
			    reservations_confirmed = $4,
			    coupon_recorded = $5,
			    ledger_credited = $6,
			    cart_cleared = $7,
			    inconsistent = $8,
			    inconsistency_reason = $9,
			    payment_reference = $10,
			    refund_minor = $11,
			    refund_pending = $12,
			    cancel_reason = $13,
			    version = version + 1,
			    updated_at = $14
			WHERE id = $15
			  AND version = $16
		`,
			string(order.Status), reservations,
			order.Settlement.Announced, order.Settlement.ReservationsConfirmed, order.Settlement.CouponRecorded,
			order.Settlement.LedgerCredited, order.Settlement.CartCleared,
			order.Inconsistent, order.InconsistencyReason, order.PaymentReference,
			order.RefundMinor, order.RefundPending, order.CancelReason,
			order.UpdatedAt, order.ID, order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected > 0 {
			return nil
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check order exists: %w", err)
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	})
}

func (r *orderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("list orders: %w", err))
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		if err := r.loadDetails(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *orderRepository) loadDetails(ctx context.Context, order *domain.Order) error {
	items, err := r.store.db.QueryContext(ctx, `
		SELECT product_id, variant_id, vendor_id, quantity, unit_price_minor
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no
	`, order.ID)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer items.Close()

	order.Items = make([]domain.OrderItem, 0)
	for items.Next() {
		var item domain.OrderItem
		if err := items.Scan(&item.ProductID, &item.VariantID, &item.VendorID, &item.Quantity, &item.UnitPriceMinor); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := items.Err(); err != nil {
		return fmt.Errorf("iterate order items: %w", err)
	}

	splits, err := r.store.db.QueryContext(ctx, `
		SELECT vendor_id, gross_minor, commission_rate, commission_minor, discount_share_minor, net_minor
		FROM order_vendor_splits
		WHERE order_id = $1
		ORDER BY vendor_id
	`, order.ID)
	if err != nil {
		return fmt.Errorf("select vendor splits: %w", err)
	}
	defer splits.Close()

	for splits.Next() {
		var split domain.VendorSplit
		if err := splits.Scan(&split.VendorID, &split.GrossMinor, &split.CommissionRate,
			&split.CommissionMinor, &split.DiscountShareMinor, &split.NetMinor); err != nil {
			return fmt.Errorf("scan vendor split: %w", err)
		}
		order.VendorSplits = append(order.VendorSplits, split)
	}
	if err := splits.Err(); err != nil {
		return fmt.Errorf("iterate vendor splits: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order        domain.Order
		status       string
		coupon       []byte
		reservations []byte
	)
	err := row.Scan(
		&order.ID, &order.UserID, &status, &order.Currency,
		&order.SubtotalMinor, &order.DiscountMinor, &order.TaxMinor, &order.TotalMinor,
		&coupon, &order.PaymentMethod, &order.ShippingAddress, &reservations,
		&order.Settlement.Announced, &order.Settlement.ReservationsConfirmed, &order.Settlement.CouponRecorded,
		&order.Settlement.LedgerCredited, &order.Settlement.CartCleared,
		&order.Inconsistent, &order.InconsistencyReason, &order.PaymentReference,
		&order.RefundMinor, &order.RefundPending, &order.CancelReason,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	if len(coupon) > 0 && string(coupon) != "null" {
		order.AppliedCoupon = &domain.AppliedCoupon{}
		if err := json.Unmarshal(coupon, order.AppliedCoupon); err != nil {
			return domain.Order{}, fmt.Errorf("decode applied coupon: %w", err)
		}
	}
	if err := json.Unmarshal(reservations, &order.ReservationIDs); err != nil {
		return domain.Order{}, fmt.Errorf("decode reservation ids: %w", err)
	}
	return order, nil
}

// encodeOrderJSON готовит JSONB-колонки; nil-купон пишется как NULL.
func encodeOrderJSON(order domain.Order) (coupon any, reservations string, err error) {
	if order.AppliedCoupon != nil {
		raw, err := json.Marshal(order.AppliedCoupon)
		if err != nil {
			return nil, "", fmt.Errorf("encode applied coupon: %w", err)
		}
		coupon = string(raw)
	}

	ids := order.ReservationIDs
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, "", fmt.Errorf("encode reservation ids: %w", err)
	}
	return coupon, string(raw), nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
