package admission

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"apigateway/internal/apperr"
	"apigateway/internal/auth"
	"apigateway/internal/metrics"
	"apigateway/internal/ratelimit"
	"apigateway/pkg/logger"
)

// Authenticator проверяет bearer токен
type Authenticator interface {
	Authenticate(token string) (*auth.Principal, error)
}

// RateLimiter проверка лимита, которая сама справляется с отказом хранилища
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, policy ratelimit.Policy) ratelimit.Result
}

// Request то, что конвейеру нужно знать о входящем запросе
type Request struct {
	Path     string
	Token    string
	ClientIP string
}

// Decision результат допуска
type Decision struct {
	Route     Route
	Principal *auth.Principal

	// Идентичность для ключей лимитов: consumer id или anon-<ip>
	Identity string

	// true, если применялась хотя бы одна политика
	Limited bool

	// Для отказа: проверка с самым поздним сбросом.
	// Для допуска: наименьший остаток среди проверок.
	RateLimit ratelimit.Result
}

// Pipeline конвейер допуска: маршрут, аутентификация, авторизация, лимиты
type Pipeline struct {
	registry  atomic.Pointer[Registry]
	authn     Authenticator
	limiter   RateLimiter
	keyPrefix string

	logger  *logger.CustomZapLogger
	metrics *metrics.Registry
}

// PipelineConfig зависимости конвейера
type PipelineConfig struct {
	Registry      *Registry
	Authenticator Authenticator
	RateLimiter   RateLimiter
	KeyPrefix     string
	Logger        *logger.CustomZapLogger
	Metrics       *metrics.Registry
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		authn:     cfg.Authenticator,
		limiter:   cfg.RateLimiter,
		keyPrefix: cfg.KeyPrefix,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if p.keyPrefix == "" {
		p.keyPrefix = "rate_limit"
	}
	if p.logger == nil {
		p.logger = logger.NewNop()
	}
	if p.metrics == nil {
		p.metrics = metrics.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry(nil, nil)
	}
	p.registry.Store(reg)
	return p
}

// SetRegistry атомарно подменяет снимок маршрутов и потребителей
func (p *Pipeline) SetRegistry(reg *Registry) {
	p.registry.Store(reg)
}

// Registry текущий снимок
func (p *Pipeline) Registry() *Registry {
	return p.registry.Load()
}

// Admit выполняет допуск одного запроса. Decision возвращается и при
// отказе, если маршрут найден; при RateLimited в нем результат проверки.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Decision, error) {
	reg := p.registry.Load()

	route, ok := reg.MatchRoute(req.Path)
	if !ok {
		p.metrics.Admissions.WithLabelValues("", apperr.KindRouteNotFound.String()).Inc()
		return nil, apperr.New(apperr.KindRouteNotFound, "no route for "+req.Path, nil)
	}

	decision := &Decision{Route: route}
	err := p.admit(ctx, reg, req, decision)

	outcome := "admitted"
	if err != nil {
		outcome = apperr.KindOf(err).String()
		p.logger.Debug("запрос отклонен",
			zap.String("route", route.ID),
			zap.String("identity", decision.Identity),
			zap.String("reason", outcome),
			zap.Error(err))
	}
	p.metrics.Admissions.WithLabelValues(route.ID, outcome).Inc()

	return decision, err
}

func (p *Pipeline) admit(ctx context.Context, reg *Registry, req Request, d *Decision) error {
	route := d.Route

	// Токен проверяется и на публичном маршруте, если он передан
	if route.Access.AuthRequired || req.Token != "" {
		principal, err := p.authn.Authenticate(req.Token)
		if err != nil {
			return err
		}
		d.Principal = principal
	}

	var consumer Consumer
	if d.Principal != nil {
		consumer = reg.Consumer(d.Principal.ConsumerID)
		if !consumer.Enabled {
			return apperr.New(apperr.KindForbidden, "consumer "+consumer.ID+" is disabled", nil)
		}
	}

	if err := auth.Authorize(route.Access, d.Principal); err != nil {
		return err
	}

	if d.Principal != nil {
		d.Identity = d.Principal.ConsumerID
	} else {
		d.Identity = "anon-" + req.ClientIP
	}

	return p.checkLimits(ctx, route, consumer, d)
}

// checkLimits выполняет обе проверки без короткого замыкания
func (p *Pipeline) checkLimits(ctx context.Context, route Route, consumer Consumer, d *Decision) error {
	var results []ratelimit.Result

	if route.Policy != nil {
		key := ratelimit.Key(p.keyPrefix, route.ID, d.Identity)
		results = append(results, p.limiter.CheckRateLimit(ctx, key, *route.Policy))
	}
	if d.Principal != nil && consumer.Policy != nil {
		key := ratelimit.Key(p.keyPrefix, consumer.ID, consumer.ID)
		results = append(results, p.limiter.CheckRateLimit(ctx, key, *consumer.Policy))
	}

	if len(results) == 0 {
		return nil
	}
	d.Limited = true

	var (
		denied   bool
		combined ratelimit.Result
	)
	for i, res := range results {
		switch {
		case !res.Allowed:
			if !denied || res.ResetTime.After(combined.ResetTime) {
				combined = res
			}
			denied = true
		case denied:
			// уже есть отказ, разрешающие результаты его не меняют
		case i == 0 || res.Remaining < combined.Remaining:
			combined = res
		}
	}
	d.RateLimit = combined

	if denied {
		d.RateLimit.Remaining = 0
		return apperr.New(apperr.KindRateLimited, "rate limit exceeded", nil)
	}
	return nil
}
