package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	// targetTopic переопределяет original_topic записи.
	targetTopic string
	eventType   string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type publisher interface {
	Publish(topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error {
	return s.consumer.Close()
}

var newDependencies = func(cfg config) (offsetClient, partitionSource, publisher, error) {
	consumerConfig := kafka.NewConfig("marketplace-dlq-reprocess")
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if !cfg.execute {
		return client, saramaSource{consumer: consumer}, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, "marketplace-dlq-reprocess")
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, saramaSource{consumer: consumer}, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fail("%v", err)
	}
	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(fs *flag.FlagSet, args []string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers, comma-separated (fallback: KAFKA_BROKERS)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", "", "override original topic of replayed events")
	fs.StringVar(&cfg.eventType, "event-type", "", "replay only events of this type")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of DLQ records to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish events; default is dry-run")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}
	cfg.brokers = parseBrokers(brokersRaw)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case strings.TrimSpace(cfg.sourceTopic) == "":
		return config{}, fmt.Errorf("source-topic is required")
	case cfg.limit <= 0:
		return config{}, fmt.Errorf("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	client, source, pub, err := newDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if pub != nil {
			_ = pub.Close()
		}
		_ = source.Close()
		_ = client.Close()
	}()

	stats, err := replay(ctx, cfg, client, source, pub)
	log.WithFields(log.Fields{
		"execute":   cfg.execute,
		"scanned":   stats.scanned,
		"replayed":  stats.replayed,
		"skipped":   stats.skipped,
		"malformed": stats.malformed,
	}).Info("dlq replay finished")
	return err
}

type replayStats struct {
	scanned   int
	replayed  int
	skipped   int
	malformed int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
	s.malformed += other.malformed
}

func replay(ctx context.Context, cfg config, client offsetClient, source partitionSource, pub publisher) (replayStats, error) {
	var total replayStats
	if cfg.execute && pub == nil {
		return total, fmt.Errorf("publisher is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		if total.scanned >= cfg.limit {
			break
		}
		stats, err := replayPartition(ctx, cfg, client, source, pub, partition, cfg.limit-total.scanned)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func replayPartition(
	ctx context.Context,
	cfg config,
	client offsetClient,
	source partitionSource,
	pub publisher,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	pc, err := source.ConsumePartition(cfg.sourceTopic, partition, oldest)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(cfg.idleTimeout)
			stats.scanned++

			if err := handle(cfg, pub, msg, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func handle(cfg config, pub publisher, msg *sarama.ConsumerMessage, stats *replayStats) error {
	entry := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	rec, err := kafka.ParseDLQRecord(msg.Value)
	if err != nil {
		stats.malformed++
		entry.WithError(err).Warn("skip malformed dlq record")
		return nil
	}
	if cfg.eventType != "" && rec.EventType != cfg.eventType {
		stats.skipped++
		return nil
	}

	topic := cfg.targetTopic
	if topic == "" {
		topic = rec.OriginalTopic
	}
	if topic == "" {
		topic = kafka.TopicFor(rec.AggregateType)
	}

	entry = entry.WithFields(log.Fields{
		"event_id":     rec.ID,
		"event_type":   rec.EventType,
		"target_topic": topic,
		"attempts":     rec.Attempts,
	})
	if !cfg.execute {
		stats.replayed++
		entry.Info("dlq replay candidate")
		return nil
	}

	env := rec.Envelope
	env.PublishedAt = time.Now().UTC()
	if err := publishEnvelope(pub, topic, env, rec.Attempts); err != nil {
		return fmt.Errorf("replay event %s: %w", rec.ID, err)
	}
	stats.replayed++
	entry.Info("dlq record replayed")
	return nil
}

func publishEnvelope(pub publisher, topic string, env kafka.Envelope, attempts int) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return pub.Publish(topic, env.Key(), value, map[string]string{
		kafka.HeaderEventType:  env.EventType,
		kafka.HeaderRetryCount: strconv.Itoa(attempts),
	})
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
