package app

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

var errKafkaUnavailable = errors.New("kafka producer is not connected")

var newKafkaProducer = kafka.NewProducer

// initKafka подключает публикацию outbox и DLQ. Недоступная Kafka не
// останавливает оформление: события копятся в outbox до следующего запуска.
func initKafka(cfg Config, logger *log.Entry, deps *Dependencies) {
	if !cfg.KafkaEnabled() {
		logger.Warn("kafka brokers are not configured, outbox events stay pending")
		return
	}

	brokers := cfg.brokers()
	producer, err := newKafkaProducer(brokers, cfg.kafkaClientID())
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		deps.checkers["kafka"] = health.NewOptionalChecker("kafka", func(context.Context) error {
			return errKafkaUnavailable
		})
		return
	}

	deps.Producer = producer
	deps.Publisher = kafka.NewOutboxPublisher(producer, cfg.KafkaTopic)
	deps.DeadLetter = kafka.NewDLQPublisher(producer, cfg.KafkaDLQTopic)
	deps.addCloser("kafka", producer.Close)
	deps.checkers["kafka"] = health.NewOptionalChecker("kafka", func(context.Context) error { return nil })
	logger.WithField("brokers", brokers).Info("kafka producer initialized")
}
