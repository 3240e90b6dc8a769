// Package saga содержит общую механику шагов оформления и отмены:
// повтор идемпотентных шагов с backoff, сохранение заказа с учётом
// optimistic locking и запись событий в outbox и timeline.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry выполняет идемпотентный шаг с экспоненциальной задержкой между
// попытками. Бизнес-ошибки не повторяются. Возвращает последнюю ошибку.
func Retry(ctx context.Context, cfg RetryConfig, logger *log.Entry, step domain.SagaStep, fields log.Fields, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if logger == nil {
		logger = log.New().WithField("component", "saga-retry")
	}
	entry := logger.WithFields(fields).WithField("step", step)

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				entry.WithField("attempt", attempt).Info("step succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !ShouldRetry(err) {
			entry.WithError(err).Warn("step failed with non-retryable error")
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		entry.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("step failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrTimeout, errors.Join(lastErr, ctx.Err()))
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	entry.WithError(lastErr).WithField("max_attempts", cfg.MaxAttempts).Error("step failed after all retry attempts")
	return lastErr
}

// ShouldRetry определяет, стоит ли повторять операцию при данной ошибке.
func ShouldRetry(err error) bool {
	switch {
	case errors.Is(err, domain.ErrLedgerInconsistency),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrCouponNotFound),
		errors.Is(err, domain.ErrCouponUsageExhausted),
		errors.Is(err, domain.ErrCouponPerUserLimitExceeded),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrReservationLapsed),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrVendorNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return false
	}
	// Временные ошибки хранилища, блокировок и сети повторяем.
	return true
}
