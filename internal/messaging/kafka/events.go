package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "marketplace.order.events"
	TopicPayoutEvents    = "marketplace.payout.events"
	TopicDeadLetterQueue = "marketplace.events.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope — формат сообщения, которое outbox публикует в топик.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Key возвращает ключ партиционирования: события одного агрегата идут по порядку.
func (e Envelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// DLQRecord — сообщение, которое не удалось опубликовать после всех попыток.
type DLQRecord struct {
	Envelope
	OriginalTopic string    `json:"original_topic"`
	PublishError  string    `json:"publish_error"`
	Attempts      int       `json:"attempts"`
	FailedAt      time.Time `json:"failed_at"`
}

// ParseEnvelope разбирает сообщение топика событий.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope %q has no event type", env.ID)
	}
	return env, nil
}

// ParseDLQRecord разбирает сообщение из DLQ.
func ParseDLQRecord(data []byte) (DLQRecord, error) {
	var rec DLQRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DLQRecord{}, fmt.Errorf("failed to unmarshal dlq record: %w", err)
	}
	if len(rec.Payload) == 0 {
		return DLQRecord{}, fmt.Errorf("dlq record %q has no original payload", rec.ID)
	}
	return rec, nil
}

// TopicFor выбирает топик по типу агрегата.
func TopicFor(aggregateType string) string {
	if aggregateType == "payout" {
		return TopicPayoutEvents
	}
	return TopicOrderEvents
}
