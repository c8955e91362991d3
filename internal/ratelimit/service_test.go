package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"apigateway/internal/apperr"
	"apigateway/internal/metrics"
)

// switchableLimiter распределенный лимитер, который можно "уронить"
type switchableLimiter struct {
	mu    sync.Mutex
	down  bool
	calls int
	inner *LocalLimiter
}

func (s *switchableLimiter) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *switchableLimiter) Check(ctx context.Context, key string, policy Policy) (Result, error) {
	s.mu.Lock()
	s.calls++
	down := s.down
	s.mu.Unlock()
	if down {
		return Result{}, &StoreError{Key: key, Err: errors.New("connection refused")}
	}
	return s.inner.Check(ctx, key, policy)
}

func TestService_ModeTransitions(t *testing.T) {
	clock := newFakeClock()
	dist := &switchableLimiter{inner: NewLocalLimiter(1, WithLocalClock(clock.Now))}
	reg := metrics.NewRegistry(prometheus.NewRegistry())

	svc := NewService(ServiceConfig{
		Distributed:     dist,
		Local:           NewLocalLimiter(0.5, WithLocalClock(clock.Now)),
		FallbackEnabled: true,
		Metrics:         reg,
		Now:             clock.Now,
	})
	policy := Policy{RequestsPerSecond: 10, BurstSize: 4}
	ctx := context.Background()

	if res := svc.CheckRateLimit(ctx, "k", policy); !res.Allowed {
		t.Fatal("первый запрос должен быть разрешен")
	}
	if svc.UsingFallback() {
		t.Fatal("при доступном хранилище режим деградации не включается")
	}

	dist.setDown(true)
	res := svc.CheckRateLimit(ctx, "k", policy)
	if !res.Allowed {
		t.Fatal("локальная корзина должна разрешить запрос")
	}
	if !svc.UsingFallback() {
		t.Fatal("после ошибки хранилища должен включиться режим деградации")
	}
	if got := testutil.ToFloat64(reg.DegradedMode); got != 1 {
		t.Fatalf("gauge деградации должен быть 1, получено %v", got)
	}

	// локальная емкость floor(4*0.5)=2: второй запрос последний
	svc.CheckRateLimit(ctx, "k", policy)
	if res := svc.CheckRateLimit(ctx, "k", policy); res.Allowed {
		t.Fatal("уменьшенная локальная корзина должна исчерпаться после 2 запросов")
	}

	dist.setDown(false)
	if res := svc.CheckRateLimit(ctx, "k", policy); !res.Allowed {
		t.Fatal("после восстановления решение принимает распределенная корзина")
	}
	if svc.UsingFallback() {
		t.Fatal("после успешного вызова режим деградации должен выключиться")
	}
	if got := testutil.ToFloat64(reg.DegradedMode); got != 0 {
		t.Fatalf("gauge деградации должен быть 0, получено %v", got)
	}
}

func TestService_FailOpenWhenFallbackDisabled(t *testing.T) {
	clock := newFakeClock()
	dist := &switchableLimiter{down: true, inner: NewLocalLimiter(1)}
	svc := NewService(ServiceConfig{
		Distributed:     dist,
		FallbackEnabled: false,
		Now:             clock.Now,
	})
	policy := Policy{RequestsPerSecond: 1, BurstSize: 2}

	for i := 0; i < 10; i++ {
		res := svc.CheckRateLimit(context.Background(), "k", policy)
		if !res.Allowed {
			t.Fatalf("запрос %d: без fallback запросы пропускаются", i+1)
		}
		if res.Remaining != 2 {
			t.Fatalf("remaining при пропуске должен равняться burst, получено %d", res.Remaining)
		}
	}
	if !svc.UsingFallback() {
		t.Fatal("флаг деградации выставляется и без fallback")
	}
	if svc.Local().Len() != 0 {
		t.Fatal("локальная корзина не должна использоваться без fallback")
	}
}

func TestService_AlwaysTriesDistributedFirst(t *testing.T) {
	dist := &switchableLimiter{down: true, inner: NewLocalLimiter(1)}
	svc := NewService(ServiceConfig{Distributed: dist, FallbackEnabled: true})
	policy := Policy{RequestsPerSecond: 5, BurstSize: 5}

	for i := 0; i < 3; i++ {
		svc.CheckRateLimit(context.Background(), "k", policy)
	}
	if dist.calls != 3 {
		t.Fatalf("каждый запрос должен сначала идти в хранилище, вызовов %d", dist.calls)
	}
}

func TestService_NoDistributedIsDegraded(t *testing.T) {
	svc := NewService(ServiceConfig{FallbackEnabled: true})
	res := svc.CheckRateLimit(context.Background(), "k", Policy{RequestsPerSecond: 1, BurstSize: 1})
	if !res.Allowed {
		t.Fatal("первый запрос должен пройти через локальную корзину")
	}
	if !svc.UsingFallback() {
		t.Fatal("без распределенного лимитера сервис работает в режиме деградации")
	}
}

func TestStoreError_IsStoreUnavailable(t *testing.T) {
	err := &StoreError{Key: "k", Err: errors.New("timeout")}
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Fatal("StoreError должна распознаваться как ErrStoreUnavailable")
	}
	if apperr.KindOf(err) != apperr.KindStoreUnavailable {
		t.Fatalf("неверный тип ошибки %v", apperr.KindOf(err))
	}
}
