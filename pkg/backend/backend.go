package backend

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"apigateway/config"
)

// окно статистики времени ответа
const statsWindow = 60

// LoadStats содержит статистику загруженности бэкенда
type LoadStats struct {
	// Текущее количество активных соединений
	ActiveConnections int64

	// Среднее время ответа по последним запросам
	AvgResponseTime time.Duration

	// Количество запросов в секунду с момента прошлого снятия статистики
	RequestsPerSecond float64

	// Доля успешных запросов
	SuccessRate float64
}

// Backend представляет интерфейс для взаимодействия с бэкендом
type Backend interface {
	// ID возвращает уникальный идентификатор бэкенда
	ID() string

	// URL возвращает полный URL бэкенда
	URL() string

	// Weight возвращает текущий вес бэкенда
	Weight() float64

	// IsAlive false после ошибки соединения, до следующего успешного ответа
	IsAlive() bool

	// GetLoadStats возвращает текущую статистику загруженности
	GetLoadStats() LoadStats

	// ServeHTTP проксирует запрос в бэкенд
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// BaseBackend базовая реализация бэкенда поверх httputil.ReverseProxy
type BaseBackend struct {
	id     string
	url    string
	target *url.URL
	weight atomic.Uint64 // math.Float64bits
	alive  atomic.Bool
	proxy  *httputil.ReverseProxy

	activeConnections atomic.Int64

	// Циклический буфер времен ответа
	requestTimes    []time.Duration
	requestTimesIdx int
	timesMux        sync.Mutex

	// Счетчики для подсчета RPS и доли успешных
	requestCount   atomic.Int64
	successCount   atomic.Int64
	statsMux       sync.Mutex
	lastCountReset time.Time
}

// NewFromConfig создает новый бэкенд из конфигурации
func NewFromConfig(cfg config.BackendConfig) (Backend, error) {
	weight := 1.0
	if cfg.Weight != nil {
		weight = *cfg.Weight
	}

	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: parse url: %w", cfg.ID, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("backend %s: url must be absolute: %s", cfg.ID, cfg.URL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ConnectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	}
	if cfg.ReadTimeout > 0 {
		transport.ResponseHeaderTimeout = cfg.ReadTimeout
	}
	if cfg.MaxConnections > 0 {
		transport.MaxConnsPerHost = cfg.MaxConnections
	}

	return newBackend(cfg.ID, target, weight, transport), nil
}

// NewBackend создает бэкенд со стандартным транспортом
func NewBackend(id string, target *url.URL, weight float64) *BaseBackend {
	return newBackend(id, target, weight, http.DefaultTransport)
}

func newBackend(id string, target *url.URL, weight float64, transport http.RoundTripper) *BaseBackend {
	b := &BaseBackend{
		id:             id,
		url:            target.String(),
		target:         target,
		requestTimes:   make([]time.Duration, statsWindow),
		lastCountReset: time.Now(),
	}
	b.weight.Store(math.Float64bits(weight))
	b.alive.Store(true)

	b.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(b.target)
			pr.SetXForwarded()
		},
		Transport:    transport,
		ErrorHandler: b.handleError,
		ModifyResponse: func(resp *http.Response) error {
			b.alive.Store(true)
			return nil
		},
	}
	return b
}

func (b *BaseBackend) ID() string {
	return b.id
}

func (b *BaseBackend) URL() string {
	return b.url
}

func (b *BaseBackend) Weight() float64 {
	return math.Float64frombits(b.weight.Load())
}

func (b *BaseBackend) IsAlive() bool {
	return b.alive.Load()
}

func (b *BaseBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Увеличиваем счетчик активных соединений
	b.activeConnections.Add(1)
	defer b.activeConnections.Add(-1)

	failed := false
	ctx := withFailureFlag(r.Context(), &failed)
	b.proxy.ServeHTTP(w, r.WithContext(ctx))

	b.updateRequestStats(time.Since(start), !failed)
}

func (b *BaseBackend) handleError(w http.ResponseWriter, r *http.Request, err error) {
	markFailed(r.Context())
	b.alive.Store(false)
	http.Error(w, "Backend error: "+err.Error(), http.StatusBadGateway)
}

func (b *BaseBackend) updateRequestStats(duration time.Duration, success bool) {
	// Обновляем времена ответов
	b.timesMux.Lock()
	b.requestTimes[b.requestTimesIdx] = duration
	b.requestTimesIdx = (b.requestTimesIdx + 1) % len(b.requestTimes)
	b.timesMux.Unlock()

	// Увеличиваем счетчики
	b.requestCount.Add(1)
	if success {
		b.successCount.Add(1)
	}
}

// GetLoadStats считает статистику и сбрасывает счетчики RPS
func (b *BaseBackend) GetLoadStats() LoadStats {
	stats := LoadStats{ActiveConnections: b.activeConnections.Load()}

	b.statsMux.Lock()
	now := time.Now()
	elapsed := now.Sub(b.lastCountReset).Seconds()
	total := b.requestCount.Swap(0)
	success := b.successCount.Swap(0)
	b.lastCountReset = now
	b.statsMux.Unlock()

	if elapsed > 0 {
		stats.RequestsPerSecond = float64(total) / elapsed
	}
	if total > 0 {
		stats.SuccessRate = float64(success) / float64(total)
	}

	// Обновляем среднее время ответа
	b.timesMux.Lock()
	var sum time.Duration
	count := 0
	for _, t := range b.requestTimes {
		if t > 0 {
			sum += t
			count++
		}
	}
	b.timesMux.Unlock()

	if count > 0 {
		stats.AvgResponseTime = sum / time.Duration(count)
	}
	return stats
}

type failureKey struct{}

// withFailureFlag кладет в контекст флаг, который ErrorHandler выставит при ошибке
func withFailureFlag(ctx context.Context, failed *bool) context.Context {
	return context.WithValue(ctx, failureKey{}, failed)
}

func markFailed(ctx context.Context) {
	if failed, ok := ctx.Value(failureKey{}).(*bool); ok {
		*failed = true
	}
}
