package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// DefaultReservationTTL — срок жизни резерва, если он не задан явно.
const DefaultReservationTTL = 15 * time.Minute

// Locker выдаёт эксклюзивную блокировку на ключ с ограниченным ожиданием.
// Исчерпание ожидания — domain.ErrBusy, истечение ctx — domain.ErrTimeout.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Ledger управляет остатками: резерв, подтверждение, снятие и возврат на склад.
type Ledger struct {
	repo    domain.InventoryRepository
	locker  Locker
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
	ttl     time.Duration
	now     func() time.Time
	newID   func() string
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics подключает метрики склада.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithTTL задаёт срок жизни резерва по умолчанию.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов резервов.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) {
		if newID != nil {
			l.newID = newID
		}
	}
}

// NewLedger создаёт складской леджер поверх репозитория и блокировок по ключу.
func NewLedger(repo domain.InventoryRepository, locker Locker, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		locker: locker,
		logger: log.New().WithField("component", "stock"),
		ttl:    DefaultReservationTTL,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve резервирует qty единиц под заказ со сроком жизни по умолчанию.
func (l *Ledger) Reserve(ctx context.Context, orderID string, key domain.StockKey, qty int64) (domain.Reservation, error) {
	return l.ReserveUntil(ctx, orderID, key, qty, l.now().Add(l.ttl))
}

// ReserveUntil резервирует qty единиц до expiresAt. Ключ сериализуется
// блокировкой, сама проверка available >= qty и увеличение reserved
// выполняются репозиторием одной операцией.
func (l *Ledger) ReserveUntil(ctx context.Context, orderID string, key domain.StockKey, qty int64, expiresAt time.Time) (domain.Reservation, error) {
	if qty <= 0 {
		return domain.Reservation{}, domain.ErrInvalidAmount
	}
	if err := deadline(ctx); err != nil {
		l.metrics.Reservation("timeout")
		return domain.Reservation{}, err
	}

	waitStart := time.Now()
	release, err := l.locker.Acquire(ctx, key.String())
	l.metrics.LockWait(time.Since(waitStart))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBusy):
			l.metrics.Reservation("busy")
		case errors.Is(err, domain.ErrTimeout):
			l.metrics.Reservation("timeout")
		default:
			l.metrics.Reservation("error")
		}
		l.logger.WithError(err).WithField("key", key.String()).Warn("stock lock not acquired")
		return domain.Reservation{}, err
	}
	defer release()

	now := l.now()
	reservation := domain.Reservation{
		ID:        l.newID(),
		OrderID:   orderID,
		Key:       key,
		Quantity:  qty,
		Status:    domain.ReservationStatusReserved,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
	}
	if err := l.repo.Reserve(ctx, reservation); err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			l.metrics.Reservation("insufficient")
		} else {
			l.metrics.Reservation("error")
		}
		return domain.Reservation{}, err
	}

	l.metrics.Reservation("reserved")
	l.logger.WithFields(log.Fields{
		"reservation_id": reservation.ID,
		"order_id":       orderID,
		"key":            key.String(),
		"quantity":       qty,
	}).Debug("stock reserved")
	return reservation, nil
}

// Confirm превращает резерв в постоянное списание. Повтор — no-op.
func (l *Ledger) Confirm(ctx context.Context, id string) (domain.Reservation, bool, error) {
	return l.transition(ctx, id, domain.ReservationStatusConfirmed)
}

// Release возвращает резерв в свободный остаток. Повтор — no-op.
func (l *Ledger) Release(ctx context.Context, id string) (domain.Reservation, bool, error) {
	return l.transition(ctx, id, domain.ReservationStatusReleased)
}

// Expire снимает просроченный резерв. На терминальном резерве ничего не делает.
func (l *Ledger) Expire(ctx context.Context, id string) (domain.Reservation, bool, error) {
	res, changed, err := l.transition(ctx, id, domain.ReservationStatusExpired)
	if changed {
		l.metrics.ReservationExpired()
	}
	return res, changed, err
}

// Return возвращает на склад количество подтверждённого резерва. Повтор — no-op,
// поэтому отмена заказа может безопасно повторяться.
func (l *Ledger) Return(ctx context.Context, id string) (domain.Reservation, bool, error) {
	return l.transition(ctx, id, domain.ReservationStatusReturned)
}

func (l *Ledger) transition(ctx context.Context, id string, to domain.ReservationStatus) (domain.Reservation, bool, error) {
	res, changed, err := l.repo.TransitionReservation(ctx, id, to, l.now())
	if err != nil {
		return res, false, fmt.Errorf("reservation %s -> %s: %w", id, to, err)
	}
	if !changed && res.Status != to {
		l.logger.WithFields(log.Fields{
			"reservation_id": id,
			"status":         res.Status,
			"target":         to,
		}).Debug("reservation already terminal")
	}
	return res, changed, nil
}

// Restock возвращает на склад уже списанное количество.
func (l *Ledger) Restock(ctx context.Context, key domain.StockKey, qty int64) error {
	if _, err := l.repo.Restock(ctx, key, qty); err != nil {
		return fmt.Errorf("restock %s: %w", key, err)
	}
	return nil
}

// Available возвращает свободный остаток.
func (l *Ledger) Available(ctx context.Context, key domain.StockKey) (int64, error) {
	rec, err := l.repo.GetStock(ctx, key)
	if err != nil {
		return 0, err
	}
	return rec.Available(), nil
}

// SetStock задаёт общий остаток товара.
func (l *Ledger) SetStock(ctx context.Context, key domain.StockKey, total int64) (domain.StockRecord, error) {
	return l.repo.SetStock(ctx, key, total)
}

// Get возвращает резерв.
func (l *Ledger) Get(ctx context.Context, id string) (domain.Reservation, error) {
	return l.repo.GetReservation(ctx, id)
}

// ListByOrder возвращает резервы заказа.
func (l *Ledger) ListByOrder(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	return l.repo.ListReservationsByOrder(ctx, orderID)
}

func deadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return nil
}
