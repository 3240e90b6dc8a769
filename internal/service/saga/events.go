package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// Emitter пишет события в transactional outbox и, для заказов, в timeline.
// Ошибки записи логируются и не прерывают бизнес-операцию.
type Emitter struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	logger   *log.Entry
	metrics  *metrics.CheckoutMetrics
}

// NewEmitter создаёт Emitter. outbox и timeline могут быть nil.
func NewEmitter(outbox domain.OutboxRepository, timeline domain.TimelineRepository, logger *log.Entry, m *metrics.CheckoutMetrics) *Emitter {
	if logger == nil {
		logger = log.New().WithField("component", "events")
	}
	return &Emitter{
		outbox:   outbox,
		timeline: timeline,
		logger:   logger,
		metrics:  m,
	}
}

// EmitOrder пишет событие заказа.
func (e *Emitter) EmitOrder(ctx context.Context, order *domain.Order, eventType, reason string, payload map[string]any) {
	_ = e.EnqueueOrder(ctx, order, eventType, reason, payload)
}

// EnqueueOrder пишет событие заказа и возвращает ошибку outbox. Timeline
// по-прежнему best-effort.
func (e *Emitter) EnqueueOrder(ctx context.Context, order *domain.Order, eventType, reason string, payload map[string]any) error {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["order_id"] = order.ID
	payload["user_id"] = order.UserID
	payload["status"] = order.Status
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.emit(ctx, "order", order.ID, eventType, payload); err != nil {
		return err
	}

	if e == nil || e.timeline == nil {
		return nil
	}
	event := domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     eventType,
		Reason:   reason,
		Occurred: time.Now().UTC(),
	}
	if err := e.timeline.Append(ctx, event); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Warn("append timeline event failed")
		return nil
	}
	e.metrics.TimelineEvent()
	return nil
}

// EmitPayout пишет событие выплаты.
func (e *Emitter) EmitPayout(ctx context.Context, payout domain.Payout, eventType string) {
	_ = e.emit(ctx, "payout", payout.ID, eventType, map[string]any{
		"payout_id":    payout.ID,
		"vendor_id":    payout.VendorID,
		"amount_minor": payout.AmountMinor,
		"status":       payout.Status,
	})
}

func (e *Emitter) emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload map[string]any) error {
	if e == nil || e.outbox == nil {
		return nil
	}
	payload["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("marshal event failed")
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	msg := domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := e.outbox.Enqueue(ctx, msg); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("enqueue event failed")
		return fmt.Errorf("enqueue %s event: %w", eventType, err)
	}
	e.metrics.OutboxEvent()
	return nil
}
