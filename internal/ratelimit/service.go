package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"apigateway/internal/apperr"
	"apigateway/internal/metrics"
	"apigateway/pkg/logger"
)

// Service прячет разделение на распределенный и локальный лимитеры.
// Сначала всегда пробуется распределенная корзина; при недоступности
// хранилища запрос обслуживает локальная (или пропускается, если
// локальная отключена).
type Service struct {
	distributed     Limiter
	local           *LocalLimiter
	fallbackEnabled bool

	usingFallback atomic.Bool

	logger  *logger.CustomZapLogger
	metrics *metrics.Registry
	now     func() time.Time
}

// ServiceConfig зависимости Service
type ServiceConfig struct {
	Distributed     Limiter
	Local           *LocalLimiter
	FallbackEnabled bool
	Logger          *logger.CustomZapLogger
	Metrics         *metrics.Registry
	Now             func() time.Time
}

// NewService создает оркестратор лимитов
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		distributed:     cfg.Distributed,
		local:           cfg.Local,
		fallbackEnabled: cfg.FallbackEnabled,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		now:             cfg.Now,
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.local == nil {
		s.local = NewLocalLimiter(1)
	}
	return s
}

// CheckRateLimit проверяет ключ по политике. Ошибка хранилища наружу не
// выходит: она переключает сервис в режим деградации.
func (s *Service) CheckRateLimit(ctx context.Context, key string, policy Policy) Result {
	var err error
	if s.distributed != nil {
		var res Result
		start := time.Now()
		res, err = s.distributed.Check(ctx, key, policy)
		s.metrics.StoreLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			s.markHealthy()
			s.metrics.RateLimitChecks.WithLabelValues("redis", outcome(res)).Inc()
			return res
		}
		if !errors.Is(err, apperr.ErrStoreUnavailable) {
			// Невалидная политика и прочие ошибки вызова тоже не должны
			// ронять запрос, обслуживаем их как недоступность.
			s.logger.Warn("ошибка распределенного лимитера", zap.String("key", key), zap.Error(err))
		}
	} else {
		err = apperr.ErrStoreUnavailable
	}

	s.markDegraded(err)

	if !s.fallbackEnabled {
		s.metrics.RateLimitChecks.WithLabelValues("failopen", "allowed").Inc()
		return Result{Allowed: true, Remaining: int64(policy.BurstSize), ResetTime: s.now()}
	}

	res, _ := s.local.Check(ctx, key, policy)
	s.metrics.RateLimitChecks.WithLabelValues("local", outcome(res)).Inc()
	return res
}

// UsingFallback true, пока распределенное хранилище считается недоступным
func (s *Service) UsingFallback() bool {
	return s.usingFallback.Load()
}

// Local локальный лимитер (для очистки и метрики количества корзин)
func (s *Service) Local() *LocalLimiter {
	return s.local
}

func (s *Service) markHealthy() {
	if s.usingFallback.CompareAndSwap(true, false) {
		s.metrics.DegradedMode.Set(0)
		s.logger.Info("распределенный лимитер снова доступен, выход из режима деградации")
	}
}

func (s *Service) markDegraded(err error) {
	if s.usingFallback.CompareAndSwap(false, true) {
		s.metrics.DegradedMode.Set(1)
		s.logger.Warn("распределенный лимитер недоступен, переход в режим деградации",
			zap.Bool("fallbackEnabled", s.fallbackEnabled),
			zap.Float64("reduction", s.local.Reduction()),
			zap.Error(err))
	}
}

func outcome(res Result) string {
	if res.Allowed {
		return "allowed"
	}
	return "denied"
}
