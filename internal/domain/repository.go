package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderVersionConflict, если ID уже занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListInconsistent возвращает заказы, требующие сверки.
	ListInconsistent(ctx context.Context, limit int) ([]Order, error)
	// Save применяет изменения с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
}

// InventoryRepository хранит остатки и резервы. Все изменения остатков атомарны.
type InventoryRepository interface {
	GetStock(ctx context.Context, key StockKey) (StockRecord, error)
	// SetStock задаёт totalStock; не допускает totalStock < reserved.
	SetStock(ctx context.Context, key StockKey, total int64) (StockRecord, error)
	// Reserve одной операцией проверяет available >= qty, увеличивает reserved
	// и сохраняет резерв. Нехватка — *InsufficientStockError.
	Reserve(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	ListReservationsByOrder(ctx context.Context, orderID string) ([]Reservation, error)
	// TransitionReservation переводит резерв из reserved в to и применяет эффект
	// на остаток. Для терминального резерва возвращает changed=false без ошибки.
	// Переход в returned допустим только из confirmed и увеличивает totalStock.
	TransitionReservation(ctx context.Context, id string, to ReservationStatus, at time.Time) (Reservation, bool, error)
	// Restock возвращает на склад уже списанное количество.
	Restock(ctx context.Context, key StockKey, qty int64) (StockRecord, error)
	// ListExpired возвращает активные резервы с ExpiresAt <= before.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]Reservation, error)
}

// CouponRepository хранит купоны и атомарно меняет их счётчики.
type CouponRepository interface {
	Get(ctx context.Context, code string) (Coupon, error)
	Save(ctx context.Context, coupon Coupon) error
	// RecordUsage увеличивает глобальный и пользовательский счётчики, повторно
	// проверяя лимиты. Повтор для того же заказа возвращает applied=false.
	RecordUsage(ctx context.Context, code, userID, orderID string, at time.Time) (bool, error)
	// ReverseUsage уменьшает счётчики, не опуская их ниже нуля. Повтор — reversed=false.
	ReverseUsage(ctx context.Context, code, userID, orderID string, at time.Time) (bool, error)
}

// LedgerRepository хранит балансы продавцов и выплаты.
type LedgerRepository interface {
	GetVendor(ctx context.Context, vendorID string) (VendorLedger, error)
	SaveVendor(ctx context.Context, ledger VendorLedger) error
	// Post применяет проводку по заказу ровно один раз. Сторно, уводящее
	// pendingPayout в минус, возвращает ErrLedgerInconsistency.
	Post(ctx context.Context, vendorID, orderID string, kind PostingKind, amountMinor int64) (bool, error)
	// CreatePayout атомарно проверяет amount <= pendingPayout и сохраняет заявку.
	CreatePayout(ctx context.Context, payout Payout) error
	GetPayout(ctx context.Context, id string) (Payout, error)
	// TransitionPayout меняет статус выплаты. Completed списывает pendingPayout
	// и увеличивает totalPayouts в той же операции.
	TransitionPayout(ctx context.Context, id string, to PayoutStatus, reason string, at time.Time) (Payout, bool, error)
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}
