package kafka

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// OutboxTopicPublisher публикует outbox-сообщения. Если topic пуст,
// он выбирается по типу агрегата.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Publish отправляет событие в его топик.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	env := envelopeOf(event)
	topic := p.topic
	if topic == "" {
		topic = TopicFor(event.AggregateType)
	}
	return p.producer.PublishJSON(topic, env.Key(), env, map[string]string{
		HeaderEventType: event.EventType,
	})
}

// DLQPublisher складывает в DLQ события, которые outbox не смог опубликовать.
type DLQPublisher struct {
	producer *Producer
	topic    string
}

// NewDLQPublisher создаёт паблишер DLQ; пустой topic — TopicDeadLetterQueue.
func NewDLQPublisher(producer *Producer, topic string) *DLQPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &DLQPublisher{producer: producer, topic: topic}
}

// PublishFailed отправляет событие в DLQ вместе с причиной отказа.
func (p *DLQPublisher) PublishFailed(event domain.OutboxMessage, attempts int, publishErr error) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	now := time.Now().UTC()
	rec := DLQRecord{
		Envelope:      envelopeOf(event),
		OriginalTopic: TopicFor(event.AggregateType),
		Attempts:      attempts,
		FailedAt:      now,
	}
	if publishErr != nil {
		rec.PublishError = publishErr.Error()
	}
	return p.producer.PublishJSON(p.topic, rec.Key(), rec, map[string]string{
		HeaderEventType:     event.EventType,
		HeaderOriginalTopic: rec.OriginalTopic,
		HeaderRetryCount:    strconv.Itoa(attempts),
		HeaderErrorMessage:  rec.PublishError,
		HeaderFailedAt:      now.Format(time.RFC3339),
	})
}

func envelopeOf(event domain.OutboxMessage) Envelope {
	return Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
