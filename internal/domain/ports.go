package domain

import (
	"context"
	"time"
)

// Product — текущая цена и владелец товара из каталога.
type Product struct {
	ProductID  string
	VariantID  string
	VendorID   string
	PriceMinor int64
	Currency   string
}

// Catalog описывает источник актуальных цен.
type Catalog interface {
	// GetProduct возвращает товар или ErrProductNotFound.
	GetProduct(ctx context.Context, productID, variantID string) (Product, error)
}

// ChargeResult — ответ платёжного шлюза на списание.
type ChargeResult struct {
	Reference string
}

// PaymentGateway описывает взаимодействие с платёжным провайдером.
type PaymentGateway interface {
	// Charge списывает сумму; отказ провайдера — ErrPaymentDeclined.
	Charge(ctx context.Context, amountMinor int64, currency, method string) (ChargeResult, error)
	// Refund возвращает сумму по ранее полученной ссылке.
	Refund(ctx context.Context, reference string, amountMinor int64) error
	// Settled сообщает, дошли ли деньги до площадки (граница cancelled/refunded).
	Settled(ctx context.Context, reference string) (bool, error)
}

// CartStore — чтение и очистка корзины пользователя.
type CartStore interface {
	Get(ctx context.Context, userID string) (Cart, error)
	Clear(ctx context.Context, userID string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// SagaStep задаёт константы шагов оформления для метрик и логов.
type SagaStep string

const (
	SagaStepValidate  SagaStep = "validate"
	SagaStepPrice     SagaStep = "price"
	SagaStepCoupon    SagaStep = "coupon"
	SagaStepReserve   SagaStep = "reserve"
	SagaStepSplit     SagaStep = "split"
	SagaStepPersist   SagaStep = "persist"
	SagaStepAnnounce  SagaStep = "announce"
	SagaStepConfirm   SagaStep = "confirm"
	SagaStepRecord    SagaStep = "record_coupon"
	SagaStepCredit    SagaStep = "credit_ledger"
	SagaStepClearCart SagaStep = "clear_cart"
	SagaStepRelease   SagaStep = "release"
	SagaStepRestock   SagaStep = "restock"
	SagaStepReverse   SagaStep = "reverse_ledger"
	SagaStepUncoupon  SagaStep = "reverse_coupon"
	SagaStepRefund    SagaStep = "refund"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
