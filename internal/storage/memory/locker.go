package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type keyLock struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker — блокировка на ключ внутри процесса с ограниченным ожиданием.
// Записи для ключей удаляются, когда на них никто не ждёт.
type KeyedLocker struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	timeout time.Duration
}

// NewKeyedLocker создаёт locker; timeout <= 0 означает ожидание только до отмены ctx.
func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	return &KeyedLocker{
		locks:   make(map[string]*keyLock),
		timeout: timeout,
	}
}

// Acquire захватывает ключ. Исчерпание timeout — domain.ErrBusy, отмена ctx — domain.ErrTimeout.
func (l *KeyedLocker) Acquire(ctx context.Context, key string) (func(), error) {
	kl := l.ref(key)

	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.unref(key, kl)
			})
		}, nil
	case <-waitCtx.Done():
		l.unref(key, kl)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: lock %s: %v", domain.ErrTimeout, key, err)
		}
		return nil, fmt.Errorf("%w: lock %s", domain.ErrBusy, key)
	}
}

// Size возвращает число ключей с активными владельцами или ожидающими.
func (l *KeyedLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyedLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyedLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
