package reservation

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// DefaultTTL — срок жизни резерва по умолчанию.
const DefaultTTL = 15 * time.Minute

// StockLedger — операции склада, которые нужны менеджеру резервов.
type StockLedger interface {
	ReserveUntil(ctx context.Context, orderID string, key domain.StockKey, qty int64, expiresAt time.Time) (domain.Reservation, error)
	Confirm(ctx context.Context, id string) (domain.Reservation, bool, error)
	Release(ctx context.Context, id string) (domain.Reservation, bool, error)
	Expire(ctx context.Context, id string) (domain.Reservation, bool, error)
	Return(ctx context.Context, id string) (domain.Reservation, bool, error)
	Get(ctx context.Context, id string) (domain.Reservation, error)
}

// Line — потребность в остатке по одному ключу.
type Line struct {
	Key      domain.StockKey
	Quantity int64
}

// Manager резервирует позиции корзины целиком или не резервирует ничего.
type Manager struct {
	ledger StockLedger
	logger *log.Entry
	ttl    time.Duration
	now    func() time.Time
}

// Option настраивает Manager.
type Option func(*Manager)

// WithTTL задаёт срок жизни резервов.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager создаёт менеджер резервов.
func NewManager(ledger StockLedger, opts ...Option) *Manager {
	m := &Manager{
		ledger: ledger,
		logger: log.New().WithField("component", "reservation"),
		ttl:    DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL возвращает срок жизни резервов.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// LinesFromCart сводит позиции корзины в потребности по ключам склада.
func LinesFromCart(lines []domain.CartLine) []Line {
	result := make([]Line, 0, len(lines))
	for _, line := range lines {
		result = append(result, Line{Key: line.Key(), Quantity: int64(line.Quantity)})
	}
	return result
}

// ReserveCartLines резервирует все позиции в порядке (productId, variantId).
// Одинаковые ключи объединяются. При первой ошибке снимает всё, что успел
// зарезервировать в этом вызове, и возвращает исходную ошибку.
func (m *Manager) ReserveCartLines(ctx context.Context, orderID string, lines []Line) ([]domain.Reservation, error) {
	// Проверка до объединения: отрицательная строка не должна гасить соседнюю.
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity %d for %s", domain.ErrInvalidAmount, line.Quantity, line.Key)
		}
	}
	merged := mergeLines(lines)
	if len(merged) == 0 {
		return nil, domain.ErrEmptyCart
	}

	expiresAt := m.now().Add(m.ttl)
	reservations := make([]domain.Reservation, 0, len(merged))
	for _, line := range merged {
		res, err := m.ledger.ReserveUntil(ctx, orderID, line.Key, line.Quantity, expiresAt)
		if err != nil {
			m.rollback(ctx, orderID, reservations)
			return nil, err
		}
		reservations = append(reservations, res)
	}
	return reservations, nil
}

// rollback снимает резервы на отвязанном от дедлайна контексте.
func (m *Manager) rollback(ctx context.Context, orderID string, reservations []domain.Reservation) {
	if len(reservations) == 0 {
		return
	}
	ids := make([]string, 0, len(reservations))
	for _, res := range reservations {
		ids = append(ids, res.ID)
	}
	if err := m.ReleaseAll(context.WithoutCancel(ctx), ids); err != nil {
		m.logger.WithError(err).WithFields(log.Fields{
			"order_id":     orderID,
			"reservations": ids,
		}).Error("failed to release partial reservations; TTL sweep will reclaim them")
	}
}

// ConfirmAll подтверждает резервы. Каждый переход идемпотентен, ошибки
// по отдельным резервам не прерывают остальные и объединяются. Резерв,
// который уже истёк или снят, даёт domain.ErrReservationLapsed.
func (m *Manager) ConfirmAll(ctx context.Context, ids []string) error {
	var errs error
	for _, id := range ids {
		res, _, err := m.ledger.Confirm(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if res.Status != domain.ReservationStatusConfirmed {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s is %s", domain.ErrReservationLapsed, id, res.Status))
		}
	}
	return errs
}

// Reacquire заменяет истёкший или снятый резерв новым подтверждённым
// резервом того же ключа и количества. Подтверждённый резерв возвращается
// как есть, активный подтверждается.
func (m *Manager) Reacquire(ctx context.Context, orderID, id string) (domain.Reservation, error) {
	res, err := m.ledger.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}

	switch res.Status {
	case domain.ReservationStatusConfirmed:
		return res, nil
	case domain.ReservationStatusReserved:
		res, _, err = m.ledger.Confirm(ctx, id)
		if err != nil {
			return domain.Reservation{}, err
		}
		if res.Status == domain.ReservationStatusConfirmed {
			return res, nil
		}
	}

	fresh, err := m.ledger.ReserveUntil(ctx, orderID, res.Key, res.Quantity, m.now().Add(m.ttl))
	if err != nil {
		return domain.Reservation{}, err
	}
	confirmed, _, err := m.ledger.Confirm(ctx, fresh.ID)
	if err != nil {
		if _, _, relErr := m.ledger.Release(context.WithoutCancel(ctx), fresh.ID); relErr != nil {
			m.logger.WithError(relErr).WithFields(log.Fields{
				"order_id":       orderID,
				"reservation_id": fresh.ID,
			}).Error("failed to release unconfirmed replacement; TTL sweep will reclaim it")
		}
		return domain.Reservation{}, err
	}
	m.logger.WithFields(log.Fields{
		"order_id":       orderID,
		"lapsed_id":      id,
		"reservation_id": confirmed.ID,
		"key":            res.Key.String(),
		"quantity":       res.Quantity,
	}).Warn("lapsed reservation replaced")
	return confirmed, nil
}

// ReleaseAll снимает резервы, ошибки объединяются.
func (m *Manager) ReleaseAll(ctx context.Context, ids []string) error {
	var errs error
	for _, id := range ids {
		if _, _, err := m.ledger.Release(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// RevertAll отменяет эффект резервов: активные снимаются, подтверждённые
// возвращаются на склад. Терминальные пропускаются.
func (m *Manager) RevertAll(ctx context.Context, ids []string) error {
	var errs error
	for _, id := range ids {
		res, err := m.ledger.Get(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		switch res.Status {
		case domain.ReservationStatusReserved:
			_, _, err = m.ledger.Release(ctx, id)
		case domain.ReservationStatusConfirmed:
			_, _, err = m.ledger.Return(ctx, id)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("revert %s: %w", id, err))
		}
	}
	return errs
}

func mergeLines(lines []Line) []Line {
	byKey := make(map[domain.StockKey]int64, len(lines))
	for _, line := range lines {
		byKey[line.Key] += line.Quantity
	}
	merged := make([]Line, 0, len(byKey))
	for key, qty := range byKey {
		merged = append(merged, Line{Key: key, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Key.Less(merged[j].Key) })
	return merged
}
