package payment

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "marketplace_payment_breaker_state",
	Help: "Current state of the payment gateway circuit breaker (0=closed, 1=half-open, 2=open)",
}, []string{"name"})

// ErrCircuitOpen возвращается, пока шлюз считается недоступным.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig задаёт параметры circuit breaker.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig возвращает настройки по умолчанию.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "payment-gateway",
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// BreakerGateway защищает платёжный шлюз circuit breaker'ом. Отказы и
// ошибки валидации считаются ответом шлюза и не размыкают цепь.
type BreakerGateway struct {
	next    domain.PaymentGateway
	breaker *gobreaker.CircuitBreaker[domain.ChargeResult]
	logger  *log.Entry
}

// NewBreakerGateway оборачивает шлюз.
func NewBreakerGateway(next domain.PaymentGateway, cfg BreakerConfig, logger *log.Entry) *BreakerGateway {
	if logger == nil {
		logger = log.New().WithField("component", "payment-breaker")
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("payment breaker state changed")
			breakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isGatewayAnswer(err)
		},
	}
	breakerState.WithLabelValues(cfg.Name).Set(0)

	return &BreakerGateway{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[domain.ChargeResult](settings),
		logger:  logger,
	}
}

// Charge списывает через breaker.
func (g *BreakerGateway) Charge(ctx context.Context, amountMinor int64, currency, method string) (domain.ChargeResult, error) {
	return g.breaker.Execute(func() (domain.ChargeResult, error) {
		return g.next.Charge(ctx, amountMinor, currency, method)
	})
}

// Refund возвращает деньги через breaker.
func (g *BreakerGateway) Refund(ctx context.Context, reference string, amountMinor int64) error {
	_, err := g.breaker.Execute(func() (domain.ChargeResult, error) {
		return domain.ChargeResult{}, g.next.Refund(ctx, reference, amountMinor)
	})
	return err
}

// Settled опрашивает статус платежа через breaker.
func (g *BreakerGateway) Settled(ctx context.Context, reference string) (bool, error) {
	var settled bool
	_, err := g.breaker.Execute(func() (domain.ChargeResult, error) {
		var err error
		settled, err = g.next.Settled(ctx, reference)
		return domain.ChargeResult{}, err
	})
	return settled, err
}

// State возвращает текущее состояние цепи.
func (g *BreakerGateway) State() gobreaker.State {
	return g.breaker.State()
}

func isGatewayAnswer(err error) bool {
	return errors.Is(err, domain.ErrPaymentDeclined) || errors.Is(err, domain.ErrInvalidAmount)
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

var _ domain.PaymentGateway = (*BreakerGateway)(nil)
