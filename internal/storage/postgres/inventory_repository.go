package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const reservationColumns = `id, order_id, product_id, variant_id, quantity, status, created_at, expires_at, updated_at`

type inventoryRepository struct {
	store *Store
}

// NewInventoryRepository создаёт PostgreSQL-реализацию склада. Проверка
// остатка и изменение reserved выполняются одним условным UPDATE.
func NewInventoryRepository(store *Store) domain.InventoryRepository {
	return &inventoryRepository{store: store}
}

func (r *inventoryRepository) GetStock(ctx context.Context, key domain.StockKey) (domain.StockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec, err := scanStock(r.store.db.QueryRowContext(ctx, `
		SELECT product_id, variant_id, total_stock, reserved, updated_at
		FROM stock_records
		WHERE product_id = $1 AND variant_id = $2
	`, key.ProductID, key.VariantID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockRecord{}, domain.ErrStockNotFound
	}
	if err != nil {
		return domain.StockRecord{}, mapError(fmt.Errorf("select stock: %w", err))
	}
	return rec, nil
}

func (r *inventoryRepository) SetStock(ctx context.Context, key domain.StockKey, total int64) (domain.StockRecord, error) {
	if total < 0 {
		return domain.StockRecord{}, domain.ErrInvalidAmount
	}

	var rec domain.StockRecord
	err := r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		rec, err = scanStock(tx.QueryRowContext(ctx, `
			INSERT INTO stock_records (product_id, variant_id, total_stock, reserved, updated_at)
			VALUES ($1, $2, $3, 0, $4)
			ON CONFLICT (product_id, variant_id) DO UPDATE
			SET total_stock = EXCLUDED.total_stock,
			    updated_at = EXCLUDED.updated_at
			WHERE stock_records.reserved <= EXCLUDED.total_stock
			RETURNING product_id, variant_id, total_stock, reserved, updated_at
		`, key.ProductID, key.VariantID, total, time.Now().UTC()))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: total %d below reserved", domain.ErrInvalidState, total)
		}
		return err
	})
	return rec, err
}

// Reserve увеличивает reserved только при достаточном свободном остатке.
func (r *inventoryRepository) Reserve(ctx context.Context, reservation domain.Reservation) error {
	if errs := reservation.Validate(); len(errs) > 0 {
		return errs[0]
	}

	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE stock_records
			SET reserved = reserved + $3,
			    updated_at = $4
			WHERE product_id = $1
			  AND variant_id = $2
			  AND total_stock - reserved >= $3
		`, reservation.Key.ProductID, reservation.Key.VariantID, reservation.Quantity, reservation.CreatedAt)
		if err != nil {
			return fmt.Errorf("reserve stock: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			return domain.NewInsufficientStockError(reservation.Key)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations (`+reservationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$7)
		`,
			reservation.ID, reservation.OrderID, reservation.Key.ProductID, reservation.Key.VariantID,
			reservation.Quantity, string(domain.ReservationStatusReserved),
			reservation.CreatedAt, nullTime(reservation.ExpiresAt),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: reservation %s already exists", domain.ErrInvalidRequest, reservation.ID)
		}
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
}

func (r *inventoryRepository) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := scanReservation(r.store.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, mapError(fmt.Errorf("select reservation: %w", err))
	}
	return res, nil
}

func (r *inventoryRepository) ListReservationsByOrder(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	return r.listReservations(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE order_id = $1
		ORDER BY product_id, variant_id
	`, orderID)
}

// TransitionReservation блокирует строку резерва и применяет эффект на остаток
// в той же транзакции.
func (r *inventoryRepository) TransitionReservation(ctx context.Context, id string, to domain.ReservationStatus, at time.Time) (domain.Reservation, bool, error) {
	if !to.IsTerminal() {
		return domain.Reservation{}, false, domain.ErrInvalidState
	}

	var (
		res     domain.Reservation
		changed bool
	)
	err := r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		res, err = scanReservation(tx.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrReservationNotFound
		}
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}

		var stockSQL string
		switch {
		case to == domain.ReservationStatusReturned:
			if res.Status == domain.ReservationStatusReserved {
				return fmt.Errorf("%w: reservation %s is not confirmed", domain.ErrInvalidState, id)
			}
			if res.Status != domain.ReservationStatusConfirmed {
				return nil
			}
			stockSQL = `UPDATE stock_records SET total_stock = total_stock + $3, updated_at = $4
				WHERE product_id = $1 AND variant_id = $2`
		case res.Status.IsTerminal():
			return nil
		case to == domain.ReservationStatusConfirmed:
			stockSQL = `UPDATE stock_records SET reserved = reserved - $3, total_stock = total_stock - $3, updated_at = $4
				WHERE product_id = $1 AND variant_id = $2 AND reserved >= $3`
		default:
			stockSQL = `UPDATE stock_records SET reserved = reserved - $3, updated_at = $4
				WHERE product_id = $1 AND variant_id = $2 AND reserved >= $3`
		}

		out, err := tx.ExecContext(ctx, stockSQL, res.Key.ProductID, res.Key.VariantID, res.Quantity, at)
		if err != nil {
			return fmt.Errorf("apply reservation to stock: %w", err)
		}
		if affected, err := out.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			return fmt.Errorf("%w: stock for reservation %s", domain.ErrLedgerInconsistency, id)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE reservations SET status = $2, updated_at = $3 WHERE id = $1
		`, id, string(to), at); err != nil {
			return fmt.Errorf("update reservation status: %w", err)
		}
		res.Status = to
		res.UpdatedAt = at
		changed = true
		return nil
	})
	return res, changed, err
}

func (r *inventoryRepository) Restock(ctx context.Context, key domain.StockKey, qty int64) (domain.StockRecord, error) {
	if qty <= 0 {
		return domain.StockRecord{}, domain.ErrInvalidAmount
	}

	var rec domain.StockRecord
	err := r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		rec, err = scanStock(tx.QueryRowContext(ctx, `
			UPDATE stock_records
			SET total_stock = total_stock + $3,
			    updated_at = $4
			WHERE product_id = $1 AND variant_id = $2
			RETURNING product_id, variant_id, total_stock, reserved, updated_at
		`, key.ProductID, key.VariantID, qty, time.Now().UTC()))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrStockNotFound
		}
		return err
	})
	return rec, err
}

func (r *inventoryRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listReservations(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'reserved'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2
	`, before, limit)
}

func (r *inventoryRepository) listReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("list reservations: %w", err))
	}
	defer rows.Close()

	result := make([]domain.Reservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		result = append(result, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return result, nil
}

func scanStock(row rowScanner) (domain.StockRecord, error) {
	var rec domain.StockRecord
	if err := row.Scan(&rec.Key.ProductID, &rec.Key.VariantID, &rec.TotalStock, &rec.Reserved, &rec.UpdatedAt); err != nil {
		return domain.StockRecord{}, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var (
		res     domain.Reservation
		status  string
		expires sql.NullTime
	)
	if err := row.Scan(
		&res.ID, &res.OrderID, &res.Key.ProductID, &res.Key.VariantID,
		&res.Quantity, &status, &res.CreatedAt, &expires, &res.UpdatedAt,
	); err != nil {
		return domain.Reservation{}, err
	}
	res.Status = domain.ReservationStatus(status)
	res.CreatedAt = res.CreatedAt.UTC()
	res.ExpiresAt = timeOf(expires)
	res.UpdatedAt = res.UpdatedAt.UTC()
	return res, nil
}

var _ domain.InventoryRepository = (*inventoryRepository)(nil)
