package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"apigateway/internal/apperr"
)

//go:embed token_bucket.lua
var tokenBucketScript string

// StoreError ошибка обращения к общему хранилищу.
// errors.Is(err, apperr.ErrStoreUnavailable) для нее всегда true.
type StoreError struct {
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return "token bucket store error for " + e.Key + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == apperr.ErrStoreUnavailable
}

// RedisBucket распределенная корзина токенов: весь цикл
// чтение-пополнение-списание выполняется одним Lua скриптом
type RedisBucket struct {
	client  redis.Scripter
	script  *redis.Script
	timeout time.Duration
	now     func() time.Time
}

// RedisOption настройка RedisBucket
type RedisOption func(*RedisBucket)

// WithStoreTimeout ограничивает время одного вызова скрипта
func WithStoreTimeout(d time.Duration) RedisOption {
	return func(b *RedisBucket) { b.timeout = d }
}

// WithRedisClock подменяет источник времени
func WithRedisClock(now func() time.Time) RedisOption {
	return func(b *RedisBucket) { b.now = now }
}

// NewRedisBucket создает распределенную корзину поверх клиента Redis
func NewRedisBucket(client redis.Scripter, opts ...RedisOption) *RedisBucket {
	b := &RedisBucket{
		client:  client,
		script:  redis.NewScript(tokenBucketScript),
		timeout: 100 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Check выполняет скрипт корзины для ключа.
// Повторов внутри нет: любая ошибка возвращается как StoreError.
func (b *RedisBucket) Check(ctx context.Context, key string, policy Policy) (Result, error) {
	if !policy.Valid() {
		return Result{}, fmt.Errorf("invalid policy %+v", policy)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	nowMs := b.now().UnixMilli()
	raw, err := b.script.Run(ctx, b.client, []string{key},
		policy.RequestsPerSecond,
		policy.BurstSize,
		nowMs,
		bucketTTL(policy).Milliseconds(),
	).Result()
	if err != nil {
		return Result{}, &StoreError{Key: key, Err: err}
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, &StoreError{Key: key, Err: errors.New("unexpected script reply")}
	}

	allowed, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	reset, ok3 := values[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Result{}, &StoreError{Key: key, Err: fmt.Errorf("unexpected script reply types %T %T %T", values[0], values[1], values[2])}
	}

	return Result{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetTime: time.UnixMilli(reset),
	}, nil
}

// bucketTTL время жизни ключа: двойное время полного пополнения.
// Истекшая корзина была бы полной, поэтому удаление ничего не меняет.
func bucketTTL(policy Policy) time.Duration {
	fill := math.Ceil(float64(policy.BurstSize) / float64(policy.RequestsPerSecond) * 1000)
	ttl := time.Duration(fill) * time.Millisecond * 2
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
