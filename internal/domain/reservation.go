package domain

import "time"

// StockKey адресует остаток товара или его варианта.
type StockKey struct {
	ProductID string
	VariantID string
}

// String используется как ключ блокировок и кэшей.
func (k StockKey) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + ":" + k.VariantID
}

// Less задаёт детерминированный порядок захвата ключей.
func (k StockKey) Less(other StockKey) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	return k.VariantID < other.VariantID
}

// StockRecord — складской остаток. Инвариант: Available() >= 0.
type StockRecord struct {
	Key        StockKey
	TotalStock int64
	Reserved   int64
	UpdatedAt  time.Time
}

// Available возвращает свободный остаток.
func (s StockRecord) Available() int64 {
	return s.TotalStock - s.Reserved
}

// ReservationStatus отражает статус резервирования товара на складе.
type ReservationStatus string

const (
	// ReservationStatusReserved — товар удерживается под заказ.
	ReservationStatusReserved ReservationStatus = "reserved"
	// ReservationStatusConfirmed — резерв превращён в списание.
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	// ReservationStatusReleased — резерв снят вручную или компенсацией.
	ReservationStatusReleased ReservationStatus = "released"
	// ReservationStatusExpired — резерв снят по TTL.
	ReservationStatusExpired ReservationStatus = "expired"
	// ReservationStatusReturned — списанное по резерву количество возвращено на склад при отмене.
	ReservationStatusReturned ReservationStatus = "returned"
)

// IsTerminal — из терминальных статусов переходов нет. Исключение —
// confirmed -> returned при отмене заказа.
func (s ReservationStatus) IsTerminal() bool {
	switch s {
	case ReservationStatusConfirmed, ReservationStatusReleased, ReservationStatusExpired, ReservationStatusReturned:
		return true
	default:
		return false
	}
}

// Reservation описывает удержание остатка под одну позицию попытки оформления.
type Reservation struct {
	ID        string
	OrderID   string
	Key       StockKey
	Quantity  int64
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Expired сообщает, истёк ли TTL активного резерва на момент now.
func (r *Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationStatusReserved && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Validate проверяет, корректно ли заполнены ключевые поля резервирования.
func (r *Reservation) Validate() []error {
	var errs []error

	if r.OrderID == "" || r.Key.ProductID == "" {
		errs = append(errs, ErrInvalidRequest)
	}
	if r.Quantity <= 0 {
		errs = append(errs, ErrInvalidAmount)
	}

	return errs
}
