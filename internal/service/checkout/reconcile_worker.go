package checkout

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
	defaultReconcileInterval  = time.Minute
	defaultReconcileBatchSize = 50
)

var reconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marketplace_reconcile_runs_total",
	Help: "Total number of reconciliation runs grouped by result.",
}, []string{"result"})

// InconsistentLister отдаёт заказы, требующие сверки.
type InconsistentLister interface {
	ListInconsistent(ctx context.Context, limit int) ([]domain.Order, error)
}

// Reconciler доводит заказ до согласованного состояния.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID string) (domain.Order, error)
}

// ReconcileOption настраивает ReconcileWorker.
type ReconcileOption func(*ReconcileWorker)

// WithReconcileLogger задаёт logger.
func WithReconcileLogger(logger *log.Entry) ReconcileOption {
	return func(w *ReconcileWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithReconcileInterval задаёт интервал между проходами.
func WithReconcileInterval(interval time.Duration) ReconcileOption {
	return func(w *ReconcileWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithReconcileBatchSize задаёт число заказов за проход.
func WithReconcileBatchSize(size int) ReconcileOption {
	return func(w *ReconcileWorker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// ReconcileWorker периодически сверяет заказы с флагом Inconsistent.
type ReconcileWorker struct {
	lister     InconsistentLister
	reconciler Reconciler
	logger     *log.Entry
	interval   time.Duration
	batchSize  int
}

// NewReconcileWorker создаёт воркер сверки.
func NewReconcileWorker(lister InconsistentLister, reconciler Reconciler, opts ...ReconcileOption) *ReconcileWorker {
	w := &ReconcileWorker{
		lister:     lister,
		reconciler: reconciler,
		logger:     log.WithField("component", "reconcile-worker"),
		interval:   defaultReconcileInterval,
		batchSize:  defaultReconcileBatchSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run запускает сверку до отмены ctx.
func (w *ReconcileWorker) Run(ctx context.Context) {
	if w.lister == nil || w.reconciler == nil {
		w.logger.Warn("reconcile worker is disabled: dependencies are nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *ReconcileWorker) tick(ctx context.Context) {
	fixed, err := w.ReconcileOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		reconcileRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("reconcile run failed")
		return
	}
	reconcileRunsTotal.WithLabelValues("ok").Inc()
	if fixed > 0 {
		w.logger.WithField("reconciled", fixed).Info("reconcile run completed")
	}
}

// ReconcileOnce делает один проход и возвращает число согласованных заказов.
// Ошибки по отдельным заказам логируются и не прерывают проход; заказы,
// которые ещё оформляются, пропускаются до следующего прохода.
func (w *ReconcileWorker) ReconcileOnce(ctx context.Context) (int, error) {
	orders, err := w.lister.ListInconsistent(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		if _, err := w.reconciler.Reconcile(ctx, order.ID); err != nil {
			if errors.Is(err, domain.ErrBusy) {
				w.logger.WithField("order_id", order.ID).Debug("order is still settling")
				continue
			}
			w.logger.WithError(err).WithField("order_id", order.ID).Warn("order reconciliation failed")
			continue
		}
		fixed++
	}
	return fixed, nil
}
