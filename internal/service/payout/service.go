// Package payout ведёт заявки продавцов на выплату:
// Requested -> Processing -> Completed | Failed.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/saga"
)

// Balance — баланс продавца.
type Balance struct {
	VendorID           string
	PendingPayoutMinor int64
	TotalPayoutsMinor  int64
}

// Service управляет выплатами поверх LedgerRepository.
type Service struct {
	ledgers domain.LedgerRepository
	events  *saga.Emitter
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
	now     func() time.Time
	newID   func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents подключает запись событий выплат.
func WithEvents(events *saga.Emitter) Option {
	return func(s *Service) { s.events = events }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис выплат.
func NewService(ledgers domain.LedgerRepository, opts ...Option) *Service {
	s := &Service{
		ledgers: ledgers,
		logger:  log.New().WithField("component", "payout"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request создаёт заявку. Баланс проверяется, но не списывается до Completed.
func (s *Service) Request(ctx context.Context, vendorID string, amountMinor int64) (domain.Payout, error) {
	if vendorID == "" {
		return domain.Payout{}, fmt.Errorf("%w: vendor id is required", domain.ErrInvalidRequest)
	}
	if amountMinor <= 0 {
		return domain.Payout{}, domain.ErrInvalidAmount
	}

	payout := domain.Payout{
		ID:          s.newID(),
		VendorID:    vendorID,
		AmountMinor: amountMinor,
		Status:      domain.PayoutStatusRequested,
		RequestedAt: s.now(),
	}
	if err := s.ledgers.CreatePayout(ctx, payout); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"vendor_id":    vendorID,
			"amount_minor": amountMinor,
		}).Info("payout request rejected")
		return domain.Payout{}, err
	}

	s.metrics.PayoutTransition(string(domain.PayoutStatusRequested))
	s.logger.WithFields(log.Fields{
		"payout_id":    payout.ID,
		"vendor_id":    vendorID,
		"amount_minor": amountMinor,
	}).Info("payout requested")
	return payout, nil
}

// MarkProcessing переводит заявку в обработку.
func (s *Service) MarkProcessing(ctx context.Context, id string) (domain.Payout, error) {
	return s.transition(ctx, id, domain.PayoutStatusProcessing, "")
}

// MarkCompleted завершает выплату: pendingPayout уменьшается, totalPayouts растёт.
func (s *Service) MarkCompleted(ctx context.Context, id string) (domain.Payout, error) {
	return s.transition(ctx, id, domain.PayoutStatusCompleted, "")
}

// MarkFailed фиксирует неудачу; баланс не меняется.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) (domain.Payout, error) {
	return s.transition(ctx, id, domain.PayoutStatusFailed, reason)
}

// Get возвращает заявку.
func (s *Service) Get(ctx context.Context, id string) (domain.Payout, error) {
	return s.ledgers.GetPayout(ctx, id)
}

// Balance возвращает текущий баланс продавца.
func (s *Service) Balance(ctx context.Context, vendorID string) (Balance, error) {
	ledger, err := s.ledgers.GetVendor(ctx, vendorID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		VendorID:           ledger.VendorID,
		PendingPayoutMinor: ledger.PendingPayoutMinor,
		TotalPayoutsMinor:  ledger.TotalPayoutsMinor,
	}, nil
}

func (s *Service) transition(ctx context.Context, id string, to domain.PayoutStatus, reason string) (domain.Payout, error) {
	payout, changed, err := s.ledgers.TransitionPayout(ctx, id, to, reason, s.now())
	logger := s.logger.WithFields(log.Fields{"payout_id": id, "target": to})
	if err != nil {
		if errors.Is(err, domain.ErrLedgerInconsistency) {
			s.metrics.LedgerInconsistency()
			logger.WithError(err).Error("payout would overdraw vendor ledger")
		} else {
			logger.WithError(err).Warn("payout transition rejected")
		}
		return payout, err
	}
	if !changed {
		return payout, nil
	}

	s.metrics.PayoutTransition(string(to))
	logger.WithField("amount_minor", payout.AmountMinor).Info("payout transitioned")
	if to == domain.PayoutStatusCompleted {
		s.events.EmitPayout(ctx, payout, domain.EventPayoutCompleted)
	}
	return payout, nil
}
