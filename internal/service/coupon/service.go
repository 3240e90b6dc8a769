package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Service связывает чистую валидацию купонов с их хранилищем.
type Service struct {
	repo   domain.CouponRepository
	logger *log.Entry
	now    func() time.Time
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

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис купонов.
func NewService(repo domain.CouponRepository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: log.New().WithField("component", "coupon"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup загружает купон по коду без учёта регистра и пробелов.
func (s *Service) Lookup(ctx context.Context, code string) (domain.Coupon, error) {
	normalized := domain.NormalizeCouponCode(code)
	if normalized == "" {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return s.repo.Get(ctx, normalized)
}

// Apply загружает купон и проверяет его для подытога пользователя.
func (s *Service) Apply(ctx context.Context, code, userID string, subtotalMinor int64) (domain.Coupon, int64, error) {
	c, err := s.Lookup(ctx, code)
	if err != nil {
		return domain.Coupon{}, 0, err
	}
	discount, err := Validate(c, userID, subtotalMinor, s.now())
	if err != nil {
		return domain.Coupon{}, 0, err
	}
	return c, discount, nil
}

// RecordUsage атомарно увеличивает счётчики купона. Повтор для того же заказа ничего не меняет.
func (s *Service) RecordUsage(ctx context.Context, code, userID, orderID string) error {
	applied, err := s.repo.RecordUsage(ctx, domain.NormalizeCouponCode(code), userID, orderID, s.now())
	if err != nil {
		return fmt.Errorf("record coupon usage: %w", err)
	}
	if !applied {
		s.logger.WithFields(log.Fields{
			"coupon":   code,
			"order_id": orderID,
		}).Debug("coupon usage already recorded")
	}
	return nil
}

// ReverseUsage откатывает использование купона заказом. Повторный откат
// ничего не меняет и пишет предупреждение о согласованности.
func (s *Service) ReverseUsage(ctx context.Context, code, userID, orderID string) error {
	reversed, err := s.repo.ReverseUsage(ctx, domain.NormalizeCouponCode(code), userID, orderID, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrCouponNotFound) {
			s.logger.WithError(err).WithField("coupon", code).Warn("coupon vanished before reversal")
		}
		return fmt.Errorf("reverse coupon usage: %w", err)
	}
	if !reversed {
		s.logger.WithFields(log.Fields{
			"coupon":   code,
			"user_id":  userID,
			"order_id": orderID,
		}).Warn("coupon usage reversal is a no-op: nothing recorded for order")
	}
	return nil
}
