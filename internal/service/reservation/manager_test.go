package reservation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reservation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/stock"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

type fixture struct {
	repo    domain.InventoryRepository
	ledger  *stock.Ledger
	manager *reservation.Manager
}

func newFixture(t *testing.T, stockByKey map[domain.StockKey]int64) fixture {
	t.Helper()
	repo := memory.NewInventoryRepository()
	for key, total := range stockByKey {
		_, err := repo.SetStock(context.Background(), key, total)
		require.NoError(t, err)
	}
	ledger := stock.NewLedger(repo, memory.NewKeyedLocker(time.Second))
	return fixture{
		repo:    repo,
		ledger:  ledger,
		manager: reservation.NewManager(ledger, reservation.WithTTL(time.Minute)),
	}
}

func (f fixture) available(t *testing.T, key domain.StockKey) int64 {
	t.Helper()
	rec, err := f.repo.GetStock(context.Background(), key)
	require.NoError(t, err)
	return rec.Available()
}

func TestManager_ReserveCartLinesOrderedAndMerged(t *testing.T) {
	a := domain.StockKey{ProductID: "A"}
	b := domain.StockKey{ProductID: "B", VariantID: "red"}
	f := newFixture(t, map[domain.StockKey]int64{a: 10, b: 10})

	reservations, err := f.manager.ReserveCartLines(context.Background(), "order-1", []reservation.Line{
		{Key: b, Quantity: 1},
		{Key: a, Quantity: 2},
		{Key: b, Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, reservations, 2)
	require.Equal(t, a, reservations[0].Key)
	require.EqualValues(t, 2, reservations[0].Quantity)
	require.Equal(t, b, reservations[1].Key)
	require.EqualValues(t, 4, reservations[1].Quantity)

	for _, res := range reservations {
		require.WithinDuration(t, res.CreatedAt.Add(time.Minute), res.ExpiresAt, time.Second)
	}
	require.EqualValues(t, 8, f.available(t, a))
	require.EqualValues(t, 6, f.available(t, b))
}

func TestManager_PartialFailureReleasesEverything(t *testing.T) {
	a := domain.StockKey{ProductID: "A"}
	b := domain.StockKey{ProductID: "B"}
	c := domain.StockKey{ProductID: "C"}
	f := newFixture(t, map[domain.StockKey]int64{a: 5, b: 1, c: 5})

	_, err := f.manager.ReserveCartLines(context.Background(), "order-1", []reservation.Line{
		{Key: a, Quantity: 2},
		{Key: b, Quantity: 2},
		{Key: c, Quantity: 1},
	})

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, "B", stockErr.ProductID)

	require.EqualValues(t, 5, f.available(t, a))
	require.EqualValues(t, 1, f.available(t, b))
	require.EqualValues(t, 5, f.available(t, c))

	list, err := f.repo.ListReservationsByOrder(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, domain.ReservationStatusReleased, list[0].Status)
}

func TestManager_ConfirmAndReleaseAllIdempotent(t *testing.T) {
	a := domain.StockKey{ProductID: "A"}
	f := newFixture(t, map[domain.StockKey]int64{a: 5})
	ctx := context.Background()

	reservations, err := f.manager.ReserveCartLines(ctx, "order-1", []reservation.Line{{Key: a, Quantity: 2}})
	require.NoError(t, err)
	ids := []string{reservations[0].ID}

	require.NoError(t, f.manager.ConfirmAll(ctx, ids))
	require.NoError(t, f.manager.ConfirmAll(ctx, ids))
	require.NoError(t, f.manager.ReleaseAll(ctx, ids))

	rec, err := f.repo.GetStock(ctx, a)
	require.NoError(t, err)
	require.EqualValues(t, 3, rec.TotalStock)
	require.Zero(t, rec.Reserved)
}

func TestManager_ConfirmAllAggregatesErrors(t *testing.T) {
	a := domain.StockKey{ProductID: "A"}
	f := newFixture(t, map[domain.StockKey]int64{a: 5})
	ctx := context.Background()

	reservations, err := f.manager.ReserveCartLines(ctx, "order-1", []reservation.Line{{Key: a, Quantity: 1}})
	require.NoError(t, err)

	err = f.manager.ConfirmAll(ctx, []string{"missing-1", reservations[0].ID, "missing-2"})
	require.ErrorIs(t, err, domain.ErrReservationNotFound)

	res, err := f.repo.GetReservation(ctx, reservations[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationStatusConfirmed, res.Status)
}

func TestManager_EmptyLines(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.manager.ReserveCartLines(context.Background(), "order-1", nil)
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestLinesFromCart(t *testing.T) {
	lines := reservation.LinesFromCart([]domain.CartLine{{ProductID: "P", VariantID: "v", Quantity: 3}})
	require.Equal(t, []reservation.Line{{Key: domain.StockKey{ProductID: "P", VariantID: "v"}, Quantity: 3}}, lines)
}

func TestManager_LapsedReservationIsReacquired(t *testing.T) {
	a := domain.StockKey{ProductID: "A"}
	f := newFixture(t, map[domain.StockKey]int64{a: 5})
	ctx := context.Background()

	reservations, err := f.manager.ReserveCartLines(ctx, "order-1", []reservation.Line{{Key: a, Quantity: 2}})
	require.NoError(t, err)
	id := reservations[0].ID

	_, changed, err := f.ledger.Expire(ctx, id)
	require.NoError(t, err)
	require.True(t, changed)

	err = f.manager.ConfirmAll(ctx, []string{id})
	require.ErrorIs(t, err, domain.ErrReservationLapsed)
	require.EqualValues(t, 5, f.available(t, a))

	fresh, err := f.manager.Reacquire(ctx, "order-1", id)
	require.NoError(t, err)
	require.NotEqual(t, id, fresh.ID)
	require.Equal(t, domain.ReservationStatusConfirmed, fresh.Status)

	rec, err := f.repo.GetStock(ctx, a)
	require.NoError(t, err)
	require.EqualValues(t, 3, rec.TotalStock)
	require.Zero(t, rec.Reserved)

	again, err := f.manager.Reacquire(ctx, "order-1", fresh.ID)
	require.NoError(t, err)
	require.Equal(t, fresh.ID, again.ID)
}

func TestManager_ReserveCartLinesRejectsNonPositiveLineBeforeMerge(t *testing.T) {
	a := domain.StockKey{ProductID: "A"}
	f := newFixture(t, map[domain.StockKey]int64{a: 10})

	_, err := f.manager.ReserveCartLines(context.Background(), "order-1", []reservation.Line{
		{Key: a, Quantity: -1},
		{Key: a, Quantity: 3},
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	require.EqualValues(t, 10, f.available(t, a))

	reservations, err := f.ledger.ListByOrder(context.Background(), "order-1")
	require.NoError(t, err)
	require.Empty(t, reservations)
}

// failingConfirmLedger отказывает в любом подтверждении.
type failingConfirmLedger struct {
	*stock.Ledger
}

func (failingConfirmLedger) Confirm(context.Context, string) (domain.Reservation, bool, error) {
	return domain.Reservation{}, false, errors.New("inventory store unavailable")
}

func TestManager_ReacquireReleasesReplacementWhenConfirmFails(t *testing.T) {
	a := domain.StockKey{ProductID: "A"}
	f := newFixture(t, map[domain.StockKey]int64{a: 5})
	ctx := context.Background()

	reservations, err := f.manager.ReserveCartLines(ctx, "order-1", []reservation.Line{{Key: a, Quantity: 2}})
	require.NoError(t, err)
	id := reservations[0].ID
	_, _, err = f.ledger.Expire(ctx, id)
	require.NoError(t, err)

	manager := reservation.NewManager(failingConfirmLedger{f.ledger}, reservation.WithTTL(time.Minute))
	_, err = manager.Reacquire(ctx, "order-1", id)
	require.Error(t, err)
	require.EqualValues(t, 5, f.available(t, a))

	all, err := f.ledger.ListByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, res := range all {
		require.NotEqual(t, domain.ReservationStatusReserved, res.Status, "reservation %s left active", res.ID)
	}
}

func TestManager_RevertAll(t *testing.T) {
	a := domain.StockKey{ProductID: "A"}
	b := domain.StockKey{ProductID: "B"}
	f := newFixture(t, map[domain.StockKey]int64{a: 5, b: 5})
	ctx := context.Background()

	reservations, err := f.manager.ReserveCartLines(ctx, "order-1", []reservation.Line{
		{Key: a, Quantity: 2},
		{Key: b, Quantity: 1},
	})
	require.NoError(t, err)
	require.NoError(t, f.manager.ConfirmAll(ctx, []string{reservations[0].ID}))

	ids := []string{reservations[0].ID, reservations[1].ID}
	require.NoError(t, f.manager.RevertAll(ctx, ids))
	require.EqualValues(t, 5, f.available(t, a))
	require.EqualValues(t, 5, f.available(t, b))

	require.NoError(t, f.manager.RevertAll(ctx, ids))
	require.EqualValues(t, 5, f.available(t, a))

	returned, err := f.ledger.Get(ctx, reservations[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationStatusReturned, returned.Status)
}
