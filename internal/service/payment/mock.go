package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// MockGateway — конфигурируемая заглушка платёжного шлюза для тестов и локального запуска.
type MockGateway struct {
	mu sync.Mutex

	ChargeErr error
	RefundErr error
	SettleErr error
	// SettleOnCharge задаёт, считается ли списание сразу дошедшим до площадки.
	SettleOnCharge bool

	ChargeCalls int
	RefundCalls int

	settled  map[string]bool
	refunded map[string]int64
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		SettleOnCharge: true,
		settled:        make(map[string]bool),
		refunded:       make(map[string]int64),
	}
}

// Charge возвращает настроенную ошибку или новую ссылку на платёж.
func (m *MockGateway) Charge(_ context.Context, amountMinor int64, currency, method string) (domain.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChargeCalls++

	if m.ChargeErr != nil {
		return domain.ChargeResult{}, m.ChargeErr
	}
	if amountMinor <= 0 {
		return domain.ChargeResult{}, fmt.Errorf("%w: amount %d", domain.ErrInvalidAmount, amountMinor)
	}
	ref := "pay_" + uuid.NewString()
	m.settled[ref] = m.SettleOnCharge
	return domain.ChargeResult{Reference: ref}, nil
}

// Refund возвращает настроенную ошибку и запоминает сумму возврата.
func (m *MockGateway) Refund(_ context.Context, reference string, amountMinor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefundCalls++

	if m.RefundErr != nil {
		return m.RefundErr
	}
	if _, ok := m.settled[reference]; !ok {
		return fmt.Errorf("%w: unknown payment %s", domain.ErrRefundFailed, reference)
	}
	m.refunded[reference] += amountMinor
	return nil
}

// Settled сообщает, дошёл ли платёж до площадки.
func (m *MockGateway) Settled(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SettleErr != nil {
		return false, m.SettleErr
	}
	return m.settled[reference], nil
}

// MarkSettled вручную помечает платёж дошедшим.
func (m *MockGateway) MarkSettled(reference string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[reference] = true
}

// Refunded возвращает сумму, возвращённую по платежу.
func (m *MockGateway) Refunded(reference string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunded[reference]
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
