package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"apigateway/internal/admission"
	"apigateway/internal/apperr"
	"apigateway/internal/loadbalancer"
	"apigateway/internal/ratelimit"
	"apigateway/models"
	"apigateway/pkg/logger"
	"apigateway/pkg/request"
)

// Заголовок с идентификатором потребителя для upstream
const ConsumerHeader = "X-Consumer-Id"

// Admitter конвейер допуска
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Decision, error)
}

// HealthReporter сообщает о режиме деградации лимитера
type HealthReporter interface {
	UsingFallback() bool
}

type Proxy struct {
	admitter  Admitter
	health    HealthReporter
	balancers atomic.Pointer[map[string]loadbalancer.LoadBalancer]
	proxies   atomic.Pointer[request.TrustedProxies]
	server    *http.Server
	logger    *logger.CustomZapLogger
	now       func() time.Time
}

// ProxyConfig зависимости Proxy
type ProxyConfig struct {
	Admitter  Admitter
	Health    HealthReporter
	Balancers map[string]loadbalancer.LoadBalancer
	Logger    *logger.CustomZapLogger

	// Прокси, которым разрешено передавать адрес клиента; nil - никому
	TrustedProxies *request.TrustedProxies

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Now          func() time.Time
}

func NewProxy(cfg ProxyConfig) *Proxy {
	p := &Proxy{
		admitter: cfg.Admitter,
		health:   cfg.Health,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if p.logger == nil {
		p.logger = logger.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.SetBalancers(cfg.Balancers)
	p.SetTrustedProxies(cfg.TrustedProxies)

	mux := http.NewServeMux()

	// Проверка состояния шлюза
	mux.HandleFunc("/healthz", p.handleHealth)

	// Основной прокси хендлер
	mux.HandleFunc("/", p.handleRequest)

	p.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return p
}

// SetBalancers атомарно подменяет балансировщики маршрутов
func (p *Proxy) SetBalancers(balancers map[string]loadbalancer.LoadBalancer) {
	if balancers == nil {
		balancers = map[string]loadbalancer.LoadBalancer{}
	}
	p.balancers.Store(&balancers)
}

// Balancers текущие балансировщики по id маршрута
func (p *Proxy) Balancers() map[string]loadbalancer.LoadBalancer {
	return *p.balancers.Load()
}

// SetTrustedProxies атомарно подменяет список доверенных прокси
func (p *Proxy) SetTrustedProxies(proxies *request.TrustedProxies) {
	p.proxies.Store(proxies)
}

// Handler корневой обработчик (для тестов и встраивания)
func (p *Proxy) Handler() http.Handler {
	return p.server.Handler
}

// Start блокируется до остановки сервера
func (p *Proxy) Start(addr string) error {
	p.server.Addr = addr
	if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (p *Proxy) Stop(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

// handleRequest пропускает запрос через конвейер допуска и проксирует в бэкенд
func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := p.now()
	rec := request.NewStatusRecorder(w)
	customReq := request.NewRequest(r, p.proxies.Load())

	var routeID, backendURL string
	defer func() {
		customReq.SetResponseTime(p.now().Sub(start))
		p.logger.Debug("запрос обработан",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", routeID),
			zap.String("backend", backendURL),
			zap.String("clientIP", customReq.GetClientIP()),
			zap.Int("status", rec.Status()),
			zap.Duration("duration", customReq.GetResponseTime()))
	}()

	decision, err := p.admitter.Admit(r.Context(), admission.Request{
		Path:     r.URL.Path,
		Token:    customReq.GetBearerToken(),
		ClientIP: customReq.GetClientIP(),
	})
	if decision != nil {
		routeID = decision.Route.ID
		if decision.Limited {
			p.setRateLimitHeaders(rec.Header(), decision.RateLimit)
		}
	}
	if err != nil {
		p.reject(rec, err, decision)
		return
	}

	lb := (*p.balancers.Load())[routeID]
	if lb == nil {
		p.logger.Error("для маршрута нет балансировщика", zap.String("route", routeID))
		http.Error(rec, "No available backends", http.StatusServiceUnavailable)
		return
	}

	backend := lb.Invoke(customReq)
	if backend == nil {
		http.Error(rec, "No available backends", http.StatusServiceUnavailable)
		return
	}
	backendURL = backend.URL()

	// Создаем запрос к бэкенду
	outReq := r.Clone(r.Context())
	outReq.Header.Del(ConsumerHeader)
	if decision.Principal != nil {
		outReq.Header.Set(ConsumerHeader, decision.Principal.ConsumerID)
	}
	if decision.Route.StripPrefix {
		stripPrefix(outReq, decision.Route.PathPrefix)
	}

	lb.IncActiveConnections(backend.ID())
	defer lb.DecActiveConnections(backend.ID())

	backendStart := p.now()
	backend.ServeHTTP(rec, outReq)
	lb.UpdateResponseTime(backend.ID(), p.now().Sub(backendStart).Milliseconds())
}

func (p *Proxy) setRateLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(res.ResetTime), 10))
}

// reject пишет ответ отказа с телом models.Rejection
func (p *Proxy) reject(w http.ResponseWriter, err error, decision *admission.Decision) {
	kind := apperr.KindOf(err)
	status := apperr.StatusCode(kind)

	body := models.Rejection{Error: kind.String()}

	switch kind {
	case apperr.KindUnauthenticated:
		w.Header().Set("WWW-Authenticate", `Bearer realm="apigateway"`)
		body.Message = "valid bearer token required"
	case apperr.KindForbidden:
		body.Message = "consumer is not allowed on this route"
	case apperr.KindRateLimited:
		remaining := int64(0)
		reset := p.now()
		if decision != nil {
			reset = decision.RateLimit.ResetTime
		}
		resetUnix := ceilUnix(reset)
		body.Remaining = &remaining
		body.Reset = &resetUnix
		body.Message = "rate limit exceeded"
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(reset, p.now()), 10))
	case apperr.KindRouteNotFound:
		body.Message = "no route matches the request path"
	default:
		p.logger.Error("непредвиденная ошибка допуска", zap.Error(err))
		body.Message = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		p.logger.Error("ошибка записи ответа отказа", zap.Error(err))
	}
}

// handleHealth отдает состояние шлюза
func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	degraded := p.health != nil && p.health.UsingFallback()
	resp := models.Health{Status: "ok", Degraded: degraded}
	if degraded {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		p.logger.Error("ошибка записи ответа healthz", zap.Error(err))
	}
}

func stripPrefix(r *http.Request, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")
	r.URL.Path = ensureSlash(strings.TrimPrefix(r.URL.Path, prefix))
	if r.URL.RawPath != "" {
		r.URL.RawPath = ensureSlash(strings.TrimPrefix(r.URL.RawPath, prefix))
	}
}

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// ceilUnix unix секунды с округлением вверх
func ceilUnix(t time.Time) int64 {
	return int64(math.Ceil(float64(t.UnixMilli()) / 1000))
}

// retryAfterSeconds не меньше одной секунды
func retryAfterSeconds(reset, now time.Time) int64 {
	secs := int64(math.Ceil(reset.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
