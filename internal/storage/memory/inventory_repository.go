package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// inventoryRepositoryInMemory хранит остатки и резервы под одним мьютексом,
// поэтому проверка остатка и изменение reserved выполняются атомарно.
type inventoryRepositoryInMemory struct {
	mu           sync.Mutex
	stock        map[domain.StockKey]domain.StockRecord
	reservations map[string]domain.Reservation
}

// NewInventoryRepository создаёт in-memory склад.
func NewInventoryRepository() domain.InventoryRepository {
	return &inventoryRepositoryInMemory{
		stock:        make(map[domain.StockKey]domain.StockRecord),
		reservations: make(map[string]domain.Reservation),
	}
}

func (r *inventoryRepositoryInMemory) GetStock(_ context.Context, key domain.StockKey) (domain.StockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.stock[key]
	if !ok {
		return domain.StockRecord{}, domain.ErrStockNotFound
	}
	return rec, nil
}

func (r *inventoryRepositoryInMemory) SetStock(_ context.Context, key domain.StockKey, total int64) (domain.StockRecord, error) {
	if total < 0 {
		return domain.StockRecord{}, domain.ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.stock[key]
	if total < rec.Reserved {
		return domain.StockRecord{}, fmt.Errorf("%w: total %d below reserved %d", domain.ErrInvalidState, total, rec.Reserved)
	}
	rec.Key = key
	rec.TotalStock = total
	rec.UpdatedAt = time.Now().UTC()
	r.stock[key] = rec
	return rec, nil
}

// Reserve — атомарный compare-and-increment по reserved.
func (r *inventoryRepositoryInMemory) Reserve(_ context.Context, reservation domain.Reservation) error {
	if errs := reservation.Validate(); len(errs) > 0 {
		return errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.reservations[reservation.ID]; exists {
		return fmt.Errorf("%w: reservation %s already exists", domain.ErrInvalidRequest, reservation.ID)
	}
	rec, ok := r.stock[reservation.Key]
	if !ok || rec.Available() < reservation.Quantity {
		return domain.NewInsufficientStockError(reservation.Key)
	}

	rec.Reserved += reservation.Quantity
	rec.UpdatedAt = reservation.CreatedAt
	r.stock[reservation.Key] = rec

	reservation.Status = domain.ReservationStatusReserved
	reservation.UpdatedAt = reservation.CreatedAt
	r.reservations[reservation.ID] = reservation
	return nil
}

func (r *inventoryRepositoryInMemory) GetReservation(_ context.Context, id string) (domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return res, nil
}

func (r *inventoryRepositoryInMemory) ListReservationsByOrder(_ context.Context, orderID string) ([]domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Reservation, 0)
	for _, res := range r.reservations {
		if res.OrderID == orderID {
			result = append(result, res)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key.Less(result[j].Key) })
	return result, nil
}

// TransitionReservation меняет статус только из reserved; повтор на терминальном резерве — no-op.
func (r *inventoryRepositoryInMemory) TransitionReservation(_ context.Context, id string, to domain.ReservationStatus, at time.Time) (domain.Reservation, bool, error) {
	if !to.IsTerminal() {
		return domain.Reservation{}, false, domain.ErrInvalidState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	if !ok {
		return domain.Reservation{}, false, domain.ErrReservationNotFound
	}
	if to == domain.ReservationStatusReturned {
		return r.returnConfirmed(res, at)
	}
	if res.Status.IsTerminal() {
		return res, false, nil
	}

	rec, ok := r.stock[res.Key]
	if !ok || rec.Reserved < res.Quantity {
		return res, false, fmt.Errorf("%w: reserved below reservation %s", domain.ErrLedgerInconsistency, id)
	}
	rec.Reserved -= res.Quantity
	if to == domain.ReservationStatusConfirmed {
		rec.TotalStock -= res.Quantity
	}
	rec.UpdatedAt = at
	r.stock[res.Key] = rec

	res.Status = to
	res.UpdatedAt = at
	r.reservations[id] = res
	return res, true, nil
}

// returnConfirmed вызывается под r.mu.
func (r *inventoryRepositoryInMemory) returnConfirmed(res domain.Reservation, at time.Time) (domain.Reservation, bool, error) {
	switch res.Status {
	case domain.ReservationStatusConfirmed:
	case domain.ReservationStatusReserved:
		return res, false, fmt.Errorf("%w: reservation %s is not confirmed", domain.ErrInvalidState, res.ID)
	default:
		return res, false, nil
	}

	rec := r.stock[res.Key]
	rec.Key = res.Key
	rec.TotalStock += res.Quantity
	rec.UpdatedAt = at
	r.stock[res.Key] = rec

	res.Status = domain.ReservationStatusReturned
	res.UpdatedAt = at
	r.reservations[res.ID] = res
	return res, true, nil
}

func (r *inventoryRepositoryInMemory) Restock(_ context.Context, key domain.StockKey, qty int64) (domain.StockRecord, error) {
	if qty <= 0 {
		return domain.StockRecord{}, domain.ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.stock[key]
	if !ok {
		return domain.StockRecord{}, domain.ErrStockNotFound
	}
	rec.TotalStock += qty
	rec.UpdatedAt = time.Now().UTC()
	r.stock[key] = rec
	return rec, nil
}

func (r *inventoryRepositoryInMemory) ListExpired(_ context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Reservation, 0)
	for _, res := range r.reservations {
		if res.Expired(before) {
			result = append(result, res)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.InventoryRepository = (*inventoryRepositoryInMemory)(nil)
