package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSweepBatchSize = 200
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_reservation_sweep_runs_total",
		Help: "Total number of reservation sweep runs grouped by result.",
	}, []string{"result"})
	sweepLastExpired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_reservation_sweep_last_expired",
		Help: "Number of reservations expired during the last sweep run.",
	})
)

// ExpiredLister отдаёт активные резервы с истёкшим TTL.
type ExpiredLister interface {
	ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.Reservation, error)
}

// Expirer переводит резерв в Expired.
type Expirer interface {
	Expire(ctx context.Context, id string) (domain.Reservation, bool, error)
}

// SweepOptions задаёт параметры воркера.
type SweepOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// SweepOption настраивает SweepWorker.
type SweepOption func(*SweepOptions)

// WithSweepLogger задаёт logger для воркера.
func WithSweepLogger(logger *log.Entry) SweepOption {
	return func(opts *SweepOptions) {
		opts.Logger = logger
	}
}

// WithSweepInterval задаёт интервал между проходами.
func WithSweepInterval(interval time.Duration) SweepOption {
	return func(opts *SweepOptions) {
		opts.Interval = interval
	}
}

// WithSweepBatchSize задаёт размер порции за один запрос.
func WithSweepBatchSize(batchSize int) SweepOption {
	return func(opts *SweepOptions) {
		opts.BatchSize = batchSize
	}
}

// SweepWorker периодически снимает резервы с истёкшим TTL. Может работать
// параллельно с confirm/release: переход из reserved выполняется через CAS,
// терминальный резерв просто пропускается.
type SweepWorker struct {
	lister    ExpiredLister
	expirer   Expirer
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// NewSweepWorker создаёт воркер очистки резервов.
func NewSweepWorker(lister ExpiredLister, expirer Expirer, options ...SweepOption) *SweepWorker {
	opts := SweepOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reservation-sweep-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}

	return &SweepWorker{
		lister:    lister,
		expirer:   expirer,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *SweepWorker) Run(ctx context.Context) {
	if w.lister == nil || w.expirer == nil {
		w.logger.Warn("reservation sweep worker is disabled: dependencies are nil")
		return
	}

	w.sweep(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx, time.Now().UTC())
		}
	}
}

func (w *SweepWorker) sweep(ctx context.Context, now time.Time) {
	expired, err := w.SweepExpired(ctx, now)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("reservation sweep run failed")
		return
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	sweepLastExpired.Set(float64(expired))
	if expired > 0 {
		w.logger.WithField("expired", expired).Info("reservation sweep completed")
	}
}

// SweepExpired переводит в Expired все резервы с ExpiresAt <= now порциями batchSize.
// Возвращает число резервов, которые изменил именно этот проход.
func (w *SweepWorker) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := w.lister.ListExpired(ctx, now, w.batchSize)
		if err != nil {
			return total, err
		}

		progressed := 0
		for _, res := range batch {
			_, changed, err := w.expirer.Expire(ctx, res.ID)
			if err != nil {
				return total, err
			}
			if changed {
				total++
			}
			progressed++
		}

		if len(batch) < w.batchSize || progressed == 0 {
			break
		}
	}

	return total, nil
}
