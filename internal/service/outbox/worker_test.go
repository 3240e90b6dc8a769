package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func enqueue(t *testing.T, repo *memory.OutboxRepository, msgs ...domain.OutboxMessage) {
	t.Helper()
	for _, msg := range msgs {
		if _, err := repo.Enqueue(context.Background(), msg); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func orderEvent(id, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: "order",
		AggregateID:   "order-" + id,
		EventType:     eventType,
		Payload:       []byte(`{"status":"pending"}`),
	}
}

func TestWorker_ProcessOnce_PublishesInOrder(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, orderEvent("m1", domain.EventOrderCreated), orderEvent("m2", domain.EventOrderPaid))
	publisher := &stubPublisher{}

	worker := outbox.NewWorker(repo, publisher, outbox.WithRetryBaseDelay(0))

	if sent := worker.ProcessOnce(context.Background()); sent != 2 {
		t.Fatalf("expected 2 sent, got %d", sent)
	}
	if got := publisher.ids(); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("unexpected publish order: %v", got)
	}
	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(pending))
	}
}

func TestWorker_ProcessOnce_DeadLetterAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, orderEvent("m3", domain.EventOrderCancelled))
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubDeadLetter{}

	worker := outbox.NewWorker(repo, publisher,
		outbox.WithDeadLetter(dlq),
		outbox.WithRetryBaseDelay(0),
		outbox.WithMaxAttempts(3),
	)

	if sent := worker.ProcessOnce(context.Background()); sent != 0 {
		t.Fatalf("expected nothing sent, got %d", sent)
	}
	if got := len(publisher.ids()); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(dlq.events) != 1 || dlq.events[0].ID != "m3" || dlq.attempts != 3 {
		t.Fatalf("unexpected dlq state: %+v", dlq)
	}
	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("failed message must leave the backlog, got %d pending", len(pending))
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, orderEvent("m4", domain.EventOrderRefunded))
	publisher := &stubPublisher{sequence: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}
	dlq := &stubDeadLetter{}

	worker := outbox.NewWorker(repo, publisher,
		outbox.WithDeadLetter(dlq),
		outbox.WithRetryBaseDelay(time.Millisecond),
		outbox.WithMaxAttempts(3),
	)

	if sent := worker.ProcessOnce(context.Background()); sent != 1 {
		t.Fatalf("expected 1 sent, got %d", sent)
	}
	if len(dlq.events) != 0 {
		t.Fatalf("dlq must stay empty, got %d", len(dlq.events))
	}
}

func TestWorker_ProcessOnce_KafkaDeadLetter(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, domain.OutboxMessage{
		ID:            "m5",
		AggregateType: "payout",
		AggregateID:   "payout-1",
		EventType:     domain.EventPayoutCompleted,
		Payload:       []byte(`{"amount_minor":5000}`),
	})

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndSucceed()

	worker := outbox.NewWorker(repo, &stubPublisher{err: errors.New("broker down")},
		outbox.WithDeadLetter(kafka.NewDLQPublisher(kafka.NewProducerFromSync(mockProducer), "")),
		outbox.WithRetryBaseDelay(0),
		outbox.WithMaxAttempts(2),
	)
	worker.ProcessOnce(context.Background())

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := outbox.NewWorker(memory.NewOutboxRepository(), &stubPublisher{},
		outbox.WithPollInterval(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

type stubPublisher struct {
	mu       sync.Mutex
	err      error
	sequence []error
	calls    []string
}

func (s *stubPublisher) Publish(event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, event.ID)
	if len(s.sequence) > 0 {
		err := s.sequence[0]
		s.sequence = s.sequence[1:]
		return err
	}
	return s.err
}

func (s *stubPublisher) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type stubDeadLetter struct {
	events   []domain.OutboxMessage
	attempts int
}

func (s *stubDeadLetter) PublishFailed(event domain.OutboxMessage, attempts int, _ error) error {
	s.events = append(s.events, event)
	s.attempts = attempts
	return nil
}
