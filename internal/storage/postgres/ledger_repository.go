package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const payoutColumns = `id, vendor_id, amount_minor, status, failure_reason, requested_at, processed_at`

type ledgerRepository struct {
	store *Store
}

// NewLedgerRepository создаёт PostgreSQL-леджер продавцов. Каждая проводка
// хранится в ledger_postings и применяется ровно один раз.
func NewLedgerRepository(store *Store) domain.LedgerRepository {
	return &ledgerRepository{store: store}
}

func (r *ledgerRepository) GetVendor(ctx context.Context, vendorID string) (domain.VendorLedger, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return loadVendor(ctx, r.store.db, vendorID, false)
}

func (r *ledgerRepository) SaveVendor(ctx context.Context, ledger domain.VendorLedger) error {
	if ledger.UpdatedAt.IsZero() {
		ledger.UpdatedAt = time.Now().UTC()
	}

	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vendor_ledgers (vendor_id, pending_payout_minor, total_payouts_minor, commission_rate, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (vendor_id) DO UPDATE
			SET pending_payout_minor = EXCLUDED.pending_payout_minor,
			    total_payouts_minor = EXCLUDED.total_payouts_minor,
			    commission_rate = EXCLUDED.commission_rate,
			    updated_at = EXCLUDED.updated_at
		`, ledger.VendorID, ledger.PendingPayoutMinor, ledger.TotalPayoutsMinor, ledger.CommissionRate, ledger.UpdatedAt); err != nil {
			return fmt.Errorf("upsert vendor ledger: %w", err)
		}
		return nil
	})
}

func (r *ledgerRepository) Post(ctx context.Context, vendorID, orderID string, kind domain.PostingKind, amountMinor int64) (bool, error) {
	if amountMinor < 0 {
		return false, domain.ErrInvalidAmount
	}
	if kind != domain.PostingOrderCredit && kind != domain.PostingOrderReversal {
		return false, fmt.Errorf("%w: unknown posting kind %q", domain.ErrInvalidRequest, kind)
	}

	var posted bool
	err := r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ledger, err := loadVendor(ctx, tx, vendorID, true)
		if err != nil {
			return err
		}

		// Строка продавца заблокирована: пары начисление/сторно по заказу
		// не пересекаются.
		opposite := domain.PostingOrderCredit
		if kind == domain.PostingOrderCredit {
			opposite = domain.PostingOrderReversal
		}
		var hasOpposite bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM ledger_postings WHERE vendor_id = $1 AND order_id = $2 AND kind = $3)
		`, vendorID, orderID, string(opposite)).Scan(&hasOpposite); err != nil {
			return fmt.Errorf("check %s posting: %w", opposite, err)
		}
		switch {
		case kind == domain.PostingOrderCredit && hasOpposite:
			// После сторно заказ закрыт для начислений.
			return nil
		case kind == domain.PostingOrderReversal && !hasOpposite:
			// Сторно без начисления оставляет нулевую проводку-надгробие.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_postings (vendor_id, order_id, kind, amount_minor, created_at)
				VALUES ($1,$2,$3,0,$4)
				ON CONFLICT (vendor_id, order_id, kind) DO NOTHING
			`, vendorID, orderID, string(kind), time.Now().UTC()); err != nil {
				return fmt.Errorf("insert reversal tombstone: %w", err)
			}
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_postings (vendor_id, order_id, kind, amount_minor, created_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (vendor_id, order_id, kind) DO NOTHING
		`, vendorID, orderID, string(kind), amountMinor, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert ledger posting: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			return nil
		}

		delta := amountMinor
		if kind == domain.PostingOrderReversal {
			if ledger.PendingPayoutMinor < amountMinor {
				return fmt.Errorf("%w: vendor %s pending %d below reversal %d",
					domain.ErrLedgerInconsistency, vendorID, ledger.PendingPayoutMinor, amountMinor)
			}
			delta = -amountMinor
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE vendor_ledgers
			SET pending_payout_minor = pending_payout_minor + $2,
			    updated_at = $3
			WHERE vendor_id = $1
		`, vendorID, delta, time.Now().UTC()); err != nil {
			return fmt.Errorf("apply ledger posting: %w", err)
		}
		posted = true
		return nil
	})
	return posted, err
}

// CreatePayout проверяет баланс под блокировкой строки леджера.
func (r *ledgerRepository) CreatePayout(ctx context.Context, payout domain.Payout) error {
	if payout.AmountMinor <= 0 {
		return domain.ErrInvalidAmount
	}

	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ledger, err := loadVendor(ctx, tx, payout.VendorID, true)
		if err != nil {
			return err
		}
		if payout.AmountMinor > ledger.PendingPayoutMinor {
			return domain.ErrInsufficientBalance
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO payouts (`+payoutColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, payout.ID, payout.VendorID, payout.AmountMinor, string(payout.Status),
			payout.FailureReason, payout.RequestedAt, nullTime(payout.ProcessedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payout %s already exists", domain.ErrInvalidRequest, payout.ID)
		}
		if err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
		return nil
	})
}

func (r *ledgerRepository) GetPayout(ctx context.Context, id string) (domain.Payout, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return loadPayout(ctx, r.store.db, id, false)
}

// TransitionPayout переводит выплату; completed списывает баланс одним UPDATE.
func (r *ledgerRepository) TransitionPayout(ctx context.Context, id string, to domain.PayoutStatus, reason string, at time.Time) (domain.Payout, bool, error) {
	var (
		payout  domain.Payout
		changed bool
	)
	err := r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		payout, err = loadPayout(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if payout.Status == to {
			return nil
		}
		if !payout.Status.CanTransition(to) {
			return fmt.Errorf("%w: payout %s -> %s", domain.ErrInvalidState, payout.Status, to)
		}

		if to == domain.PayoutStatusCompleted {
			res, err := tx.ExecContext(ctx, `
				UPDATE vendor_ledgers
				SET pending_payout_minor = pending_payout_minor - $2,
				    total_payouts_minor = total_payouts_minor + $2,
				    updated_at = $3
				WHERE vendor_id = $1 AND pending_payout_minor >= $2
			`, payout.VendorID, payout.AmountMinor, at)
			if err != nil {
				return fmt.Errorf("debit vendor ledger: %w", err)
			}
			if affected, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("rows affected: %w", err)
			} else if affected == 0 {
				return fmt.Errorf("%w: vendor %s balance below payout %d",
					domain.ErrLedgerInconsistency, payout.VendorID, payout.AmountMinor)
			}
		}

		payout.Status = to
		if to == domain.PayoutStatusCompleted || to == domain.PayoutStatusFailed {
			payout.ProcessedAt = at
		}
		if to == domain.PayoutStatusFailed {
			payout.FailureReason = reason
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE payouts SET status = $2, failure_reason = $3, processed_at = $4 WHERE id = $1
		`, id, string(payout.Status), payout.FailureReason, nullTime(payout.ProcessedAt)); err != nil {
			return fmt.Errorf("update payout: %w", err)
		}
		changed = true
		return nil
	})
	return payout, changed, err
}

func loadVendor(ctx context.Context, q querier, vendorID string, forUpdate bool) (domain.VendorLedger, error) {
	query := `
		SELECT vendor_id, pending_payout_minor, total_payouts_minor, commission_rate, updated_at
		FROM vendor_ledgers
		WHERE vendor_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var ledger domain.VendorLedger
	err := q.QueryRowContext(ctx, query, vendorID).Scan(
		&ledger.VendorID, &ledger.PendingPayoutMinor, &ledger.TotalPayoutsMinor, &ledger.CommissionRate, &ledger.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VendorLedger{}, domain.ErrVendorNotFound
	}
	if err != nil {
		return domain.VendorLedger{}, mapError(fmt.Errorf("select vendor ledger: %w", err))
	}
	ledger.UpdatedAt = ledger.UpdatedAt.UTC()
	return ledger, nil
}

func loadPayout(ctx context.Context, q querier, id string, forUpdate bool) (domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		payout    domain.Payout
		status    string
		processed sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&payout.ID, &payout.VendorID, &payout.AmountMinor, &status,
		&payout.FailureReason, &payout.RequestedAt, &processed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Payout{}, domain.ErrPayoutNotFound
	}
	if err != nil {
		return domain.Payout{}, mapError(fmt.Errorf("select payout: %w", err))
	}
	payout.Status = domain.PayoutStatus(status)
	payout.RequestedAt = payout.RequestedAt.UTC()
	payout.ProcessedAt = timeOf(processed)
	return payout, nil
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
