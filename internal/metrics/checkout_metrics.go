package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики оформления, склада, отмен и выплат.
// Методы безопасно вызывать на nil-получателе: тесты собирают сервисы без метрик.
type CheckoutMetrics struct {
	// Оформление
	checkoutStarted   prometheus.Counter
	checkoutCompleted prometheus.Counter
	checkoutFailed    *prometheus.CounterVec
	checkoutDuration  prometheus.Histogram
	stepDuration      *prometheus.HistogramVec
	activeCheckouts   prometheus.Gauge

	// Сверка
	ordersInconsistent prometheus.Counter
	ordersReconciled   prometheus.Counter

	// Склад
	reservations        *prometheus.CounterVec
	reservationsExpired prometheus.Counter
	lockWait            prometheus.Histogram

	// Отмены, леджер, выплаты
	cancellations       *prometheus.CounterVec
	ledgerInconsistency prometheus.Counter
	payouts             *prometheus.CounterVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewCheckoutMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer регистрирует метрики в указанном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		checkoutStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_checkout_started_total",
			Help: "Total number of checkout attempts",
		}),
		checkoutCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_checkout_completed_total",
			Help: "Total number of checkouts that created an order",
		}),
		checkoutFailed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_checkout_failed_total",
			Help: "Total number of checkouts rejected before the order was persisted",
		}, []string{"reason"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "marketplace_checkout_duration_seconds",
			Help:    "Duration of checkout in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "marketplace_checkout_step_duration_seconds",
			Help:    "Duration of individual checkout steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		activeCheckouts: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "marketplace_active_checkouts",
			Help: "Number of checkouts in flight",
		}),
		ordersInconsistent: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_orders_inconsistent_total",
			Help: "Total number of orders flagged for reconciliation",
		}),
		ordersReconciled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_orders_reconciled_total",
			Help: "Total number of orders brought back to a settled state",
		}),
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_stock_reservations_total",
			Help: "Stock reservation attempts by result",
		}, []string{"result"}),
		reservationsExpired: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_stock_reservations_expired_total",
			Help: "Total number of reservations released by TTL",
		}),
		lockWait: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "marketplace_stock_lock_wait_seconds",
			Help:    "Time spent waiting for a per-product stock lock",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}),
		cancellations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_order_cancellations_total",
			Help: "Order cancellations by final status",
		}, []string{"status"}),
		ledgerInconsistency: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_ledger_inconsistency_total",
			Help: "Ledger operations rejected because a balance would go negative",
		}),
		payouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_payout_transitions_total",
			Help: "Payout state transitions by target status",
		}, []string{"status"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_outbox_events_total",
			Help: "Total number of events written to the outbox",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// CheckoutStarted учитывает новую попытку оформления.
func (m *CheckoutMetrics) CheckoutStarted() {
	if m == nil {
		return
	}
	m.checkoutStarted.Inc()
	m.activeCheckouts.Inc()
}

// CheckoutFinished закрывает попытку оформления. Пустой reason означает успех.
func (m *CheckoutMetrics) CheckoutFinished(duration time.Duration, reason string) {
	if m == nil {
		return
	}
	m.activeCheckouts.Dec()
	m.checkoutDuration.Observe(duration.Seconds())
	if reason == "" {
		m.checkoutCompleted.Inc()
		return
	}
	m.checkoutFailed.WithLabelValues(reason).Inc()
}

// StepDuration записывает время выполнения шага оформления.
func (m *CheckoutMetrics) StepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// OrderInconsistent учитывает заказ, помеченный для сверки.
func (m *CheckoutMetrics) OrderInconsistent() {
	if m == nil {
		return
	}
	m.ordersInconsistent.Inc()
}

// OrderReconciled учитывает успешную сверку.
func (m *CheckoutMetrics) OrderReconciled() {
	if m == nil {
		return
	}
	m.ordersReconciled.Inc()
}

// Reservation учитывает результат резервирования: reserved, insufficient, busy, timeout, error.
func (m *CheckoutMetrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// ReservationExpired учитывает резерв, снятый по TTL.
func (m *CheckoutMetrics) ReservationExpired() {
	if m == nil {
		return
	}
	m.reservationsExpired.Inc()
}

// LockWait записывает время ожидания блокировки ключа.
func (m *CheckoutMetrics) LockWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(duration.Seconds())
}

// Cancellation учитывает отмену с итоговым статусом заказа.
func (m *CheckoutMetrics) Cancellation(status string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(status).Inc()
}

// LedgerInconsistency учитывает отвергнутую проводку.
func (m *CheckoutMetrics) LedgerInconsistency() {
	if m == nil {
		return
	}
	m.ledgerInconsistency.Inc()
}

// PayoutTransition учитывает переход выплаты.
func (m *CheckoutMetrics) PayoutTransition(status string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(status).Inc()
}

// TimelineEvent увеличивает счётчик событий timeline.
func (m *CheckoutMetrics) TimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// OutboxEvent увеличивает счётчик событий outbox.
func (m *CheckoutMetrics) OutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
