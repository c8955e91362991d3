package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// localBucket корзина одного ключа. Все операции под mu.
type localBucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

// shard часть карты корзин со своей блокировкой
type shard struct {
	mu      sync.RWMutex
	buckets map[string]*localBucket
}

// LocalLimiter локальная корзина токенов для режима деградации.
// Скорость и емкость политики уменьшаются коэффициентом reduction.
type LocalLimiter struct {
	shards    []*shard
	count     atomic.Int64
	reduction float64
	now       func() time.Time
}

// LocalOption настройка LocalLimiter
type LocalOption func(*LocalLimiter)

// WithShards задает количество шардов карты корзин
func WithShards(n int) LocalOption {
	return func(l *LocalLimiter) {
		if n > 0 {
			l.shards = newShards(n)
		}
	}
}

// WithLocalClock подменяет источник времени
func WithLocalClock(now func() time.Time) LocalOption {
	return func(l *LocalLimiter) { l.now = now }
}

// NewLocalLimiter создает локальный лимитер.
// reduction вне (0,1] заменяется на 1.
func NewLocalLimiter(reduction float64, opts ...LocalOption) *LocalLimiter {
	if reduction <= 0 || reduction > 1 {
		reduction = 1
	}
	l := &LocalLimiter{
		shards:    newShards(32),
		reduction: reduction,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[string]*localBucket)}
	}
	return shards
}

// EffectiveLimits уменьшенные скорость и емкость, не меньше 1
func EffectiveLimits(policy Policy, reduction float64) (int, int) {
	r := int(math.Floor(float64(policy.RequestsPerSecond) * reduction))
	b := int(math.Floor(float64(policy.BurstSize) * reduction))
	if r < 1 {
		r = 1
	}
	if b < 1 {
		b = 1
	}
	return r, b
}

// Reduction коэффициент уменьшения политики
func (l *LocalLimiter) Reduction() float64 {
	return l.reduction
}

// Check пополняет корзину ключа и пытается забрать токен.
// Ошибку не возвращает никогда, сигнатура совпадает с Limiter.
func (l *LocalLimiter) Check(_ context.Context, key string, policy Policy) (Result, error) {
	now := l.now()
	effRate, effBurst := EffectiveLimits(policy, l.reduction)

	b := l.bucket(key, now, effRate, effBurst)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = now

	// Политика могла смениться после перезагрузки конфигурации
	if b.limiter.Limit() != rate.Limit(effRate) {
		b.limiter.SetLimitAt(now, rate.Limit(effRate))
	}
	if b.limiter.Burst() != effBurst {
		b.limiter.SetBurstAt(now, effBurst)
	}

	if b.limiter.AllowN(now, 1) {
		remaining := int64(math.Floor(b.limiter.TokensAt(now)))
		if remaining < 0 {
			remaining = 0
		}
		return Result{Allowed: true, Remaining: remaining, ResetTime: now}, nil
	}

	tokens := b.limiter.TokensAt(now)
	waitMs := math.Ceil((1 - tokens) / float64(effRate) * 1000)
	return Result{
		Allowed:   false,
		Remaining: 0,
		ResetTime: now.Add(time.Duration(waitMs) * time.Millisecond),
	}, nil
}

// bucket возвращает или создает корзину ключа
func (l *LocalLimiter) bucket(key string, now time.Time, effRate, effBurst int) *localBucket {
	s := l.shardFor(key)

	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &localBucket{
		limiter:  rate.NewLimiter(rate.Limit(effRate), effBurst),
		lastSeen: now,
	}
	s.buckets[key] = b
	l.count.Add(1)
	return b
}

func (l *LocalLimiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// ClearCache сбрасывает все корзины
func (l *LocalLimiter) ClearCache() {
	for _, s := range l.shards {
		s.mu.Lock()
		l.count.Add(-int64(len(s.buckets)))
		s.buckets = make(map[string]*localBucket)
		s.mu.Unlock()
	}
}

// Sweep удаляет корзины, к которым не обращались дольше ttl.
// Возвращает количество удаленных корзин.
func (l *LocalLimiter) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := l.now().Add(-ttl)
	removed := 0

	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(s.buckets, key)
				l.count.Add(-1)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len количество корзин без обхода шардов
func (l *LocalLimiter) Len() int {
	return int(l.count.Load())
}
