package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestKeyedLocker_BusyOnTimeout(t *testing.T) {
	locker := NewKeyedLocker(20 * time.Millisecond)

	release, err := locker.Acquire(context.Background(), "P")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := locker.Acquire(context.Background(), "P"); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Другие ключи не блокируются.
	other, err := locker.Acquire(context.Background(), "Q")
	if err != nil {
		t.Fatalf("acquire other key: %v", err)
	}
	other()

	release()
	release()

	again, err := locker.Acquire(context.Background(), "P")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()

	if locker.Size() != 0 {
		t.Fatalf("expected no lock entries, got %d", locker.Size())
	}
}

func TestKeyedLocker_CancelledContext(t *testing.T) {
	locker := NewKeyedLocker(time.Second)
	release, err := locker.Acquire(context.Background(), "P")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := locker.Acquire(ctx, "P"); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestKeyedLocker_MutualExclusion(t *testing.T) {
	locker := NewKeyedLocker(time.Second)

	var (
		wg      sync.WaitGroup
		inside  int32
		counter int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "P")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()

			if atomic.AddInt32(&inside, 1) != 1 {
				t.Errorf("two holders inside critical section")
			}
			counter++
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if counter != 32 {
		t.Fatalf("expected 32 increments, got %d", counter)
	}
	if locker.Size() != 0 {
		t.Fatalf("expected lock map to be empty, got %d", locker.Size())
	}
}
