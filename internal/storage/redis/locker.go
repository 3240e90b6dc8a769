// Package redis содержит реализации на Redis: распределённую блокировку
// ключей остатка и хранилище корзин.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	lockPrefix           = "stock-lock:"
	defaultLockTTL       = 10 * time.Second
	defaultLockRetryWait = 10 * time.Millisecond
)

// unlockScript удаляет ключ, только если им всё ещё владеет токен.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker — блокировка ключа между инстансами через SET NX PX. Ожидание
// ограничено timeout, ключ живёт не дольше ttl на случай падения владельца.
type Locker struct {
	client    goredis.UniversalClient
	timeout   time.Duration
	ttl       time.Duration
	retryWait time.Duration
	logger    *log.Entry
}

// LockerOption настраивает Locker.
type LockerOption func(*Locker)

// WithLockTTL задаёт время жизни ключа блокировки.
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockRetryWait задаёт паузу между попытками захвата.
func WithLockRetryWait(wait time.Duration) LockerOption {
	return func(l *Locker) {
		if wait > 0 {
			l.retryWait = wait
		}
	}
}

// WithLockLogger задаёт логгер.
func WithLockLogger(logger *log.Entry) LockerOption {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocker создаёт распределённый locker.
func NewLocker(client goredis.UniversalClient, timeout time.Duration, opts ...LockerOption) *Locker {
	l := &Locker{
		client:    client,
		timeout:   timeout,
		ttl:       defaultLockTTL,
		retryWait: defaultLockRetryWait,
		logger:    log.WithField("component", "redis-locker"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire захватывает ключ. Исчерпание timeout — domain.ErrBusy, отмена ctx — domain.ErrTimeout.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := lockPrefix + key
	token := uuid.NewString()

	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	for {
		ok, err := l.client.SetNX(waitCtx, redisKey, token, l.ttl).Result()
		if err == nil && ok {
			return l.unlocker(redisKey, token), nil
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("redis setnx %s: %w", redisKey, err)
		}

		select {
		case <-waitCtx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: lock %s: %v", domain.ErrTimeout, key, ctxErr)
			}
			return nil, fmt.Errorf("%w: lock %s", domain.ErrBusy, key)
		case <-time.After(l.retryWait):
		}
	}
}

func (l *Locker) unlocker(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// Снимаем блокировку даже после отмены контекста вызывающего.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.WithError(err).WithField("key", redisKey).Warn("redis unlock failed; key expires by ttl")
			}
		})
	}
}
