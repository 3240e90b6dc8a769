package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type postingKey struct {
	vendorID string
	orderID  string
	kind     domain.PostingKind
}

// ledgerRepositoryInMemory хранит балансы продавцов и выплаты.
type ledgerRepositoryInMemory struct {
	mu       sync.Mutex
	vendors  map[string]domain.VendorLedger
	postings map[postingKey]int64
	payouts  map[string]domain.Payout
}

// NewLedgerRepository создаёт in-memory леджер.
func NewLedgerRepository() domain.LedgerRepository {
	return &ledgerRepositoryInMemory{
		vendors:  make(map[string]domain.VendorLedger),
		postings: make(map[postingKey]int64),
		payouts:  make(map[string]domain.Payout),
	}
}

func (r *ledgerRepositoryInMemory) GetVendor(_ context.Context, vendorID string) (domain.VendorLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ledger, ok := r.vendors[vendorID]
	if !ok {
		return domain.VendorLedger{}, domain.ErrVendorNotFound
	}
	return ledger, nil
}

func (r *ledgerRepositoryInMemory) SaveVendor(_ context.Context, ledger domain.VendorLedger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ledger.UpdatedAt.IsZero() {
		ledger.UpdatedAt = time.Now().UTC()
	}
	r.vendors[ledger.VendorID] = ledger
	return nil
}

func (r *ledgerRepositoryInMemory) Post(_ context.Context, vendorID, orderID string, kind domain.PostingKind, amountMinor int64) (bool, error) {
	if amountMinor < 0 {
		return false, domain.ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ledger, ok := r.vendors[vendorID]
	if !ok {
		return false, domain.ErrVendorNotFound
	}
	key := postingKey{vendorID: vendorID, orderID: orderID, kind: kind}
	if _, done := r.postings[key]; done {
		return false, nil
	}

	switch kind {
	case domain.PostingOrderCredit:
		// После сторно заказ закрыт для начислений.
		if _, reversed := r.postings[postingKey{vendorID: vendorID, orderID: orderID, kind: domain.PostingOrderReversal}]; reversed {
			return false, nil
		}
		ledger.PendingPayoutMinor += amountMinor
	case domain.PostingOrderReversal:
		// Сторно без начисления оставляет нулевую проводку-надгробие.
		if _, credited := r.postings[postingKey{vendorID: vendorID, orderID: orderID, kind: domain.PostingOrderCredit}]; !credited {
			r.postings[key] = 0
			return false, nil
		}
		if ledger.PendingPayoutMinor < amountMinor {
			return false, fmt.Errorf("%w: vendor %s pending %d below reversal %d",
				domain.ErrLedgerInconsistency, vendorID, ledger.PendingPayoutMinor, amountMinor)
		}
		ledger.PendingPayoutMinor -= amountMinor
	default:
		return false, fmt.Errorf("%w: unknown posting kind %q", domain.ErrInvalidRequest, kind)
	}

	ledger.UpdatedAt = time.Now().UTC()
	r.vendors[vendorID] = ledger
	r.postings[key] = amountMinor
	return true, nil
}

func (r *ledgerRepositoryInMemory) CreatePayout(_ context.Context, payout domain.Payout) error {
	if payout.AmountMinor <= 0 {
		return domain.ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ledger, ok := r.vendors[payout.VendorID]
	if !ok {
		return domain.ErrVendorNotFound
	}
	if payout.AmountMinor > ledger.PendingPayoutMinor {
		return domain.ErrInsufficientBalance
	}
	if _, exists := r.payouts[payout.ID]; exists {
		return fmt.Errorf("%w: payout %s already exists", domain.ErrInvalidRequest, payout.ID)
	}
	r.payouts[payout.ID] = payout
	return nil
}

func (r *ledgerRepositoryInMemory) GetPayout(_ context.Context, id string) (domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payout, ok := r.payouts[id]
	if !ok {
		return domain.Payout{}, domain.ErrPayoutNotFound
	}
	return payout, nil
}

func (r *ledgerRepositoryInMemory) TransitionPayout(_ context.Context, id string, to domain.PayoutStatus, reason string, at time.Time) (domain.Payout, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payout, ok := r.payouts[id]
	if !ok {
		return domain.Payout{}, false, domain.ErrPayoutNotFound
	}
	if payout.Status == to {
		return payout, false, nil
	}
	if !payout.Status.CanTransition(to) {
		return payout, false, fmt.Errorf("%w: payout %s -> %s", domain.ErrInvalidState, payout.Status, to)
	}

	if to == domain.PayoutStatusCompleted {
		ledger, ok := r.vendors[payout.VendorID]
		if !ok {
			return payout, false, domain.ErrVendorNotFound
		}
		if ledger.PendingPayoutMinor < payout.AmountMinor {
			return payout, false, fmt.Errorf("%w: vendor %s pending %d below payout %d",
				domain.ErrLedgerInconsistency, ledger.VendorID, ledger.PendingPayoutMinor, payout.AmountMinor)
		}
		ledger.PendingPayoutMinor -= payout.AmountMinor
		ledger.TotalPayoutsMinor += payout.AmountMinor
		ledger.UpdatedAt = at
		r.vendors[ledger.VendorID] = ledger
	}

	payout.Status = to
	if to == domain.PayoutStatusCompleted || to == domain.PayoutStatusFailed {
		payout.ProcessedAt = at
	}
	if to == domain.PayoutStatusFailed {
		payout.FailureReason = reason
	}
	r.payouts[id] = payout
	return payout, true, nil
}

var _ domain.LedgerRepository = (*ledgerRepositoryInMemory)(nil)
