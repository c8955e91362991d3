// Package metrics содержит Prometheus метрики шлюза.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry набор метрик шлюза
type Registry struct {
	// Решения конвейера допуска
	Admissions *prometheus.CounterVec

	// Проверки лимитов по бэкенду (redis, local, failopen)
	RateLimitChecks *prometheus.CounterVec

	// Задержка вызова скрипта в Redis
	StoreLatency prometheus.Histogram

	// 1 когда используется локальный лимитер
	DegradedMode prometheus.Gauge

	// Обновления набора ключей доверенных издателей
	TrustStoreRefreshes *prometheus.CounterVec
	TrustStoreKeys      prometheus.Gauge

	// Количество локальных корзин
	LocalBuckets prometheus.Gauge

	// Состояние бэкендов маршрутов, обновляется по расписанию
	BackendUp                  *prometheus.GaugeVec
	BackendWeight              *prometheus.GaugeVec
	BackendActiveConnections   *prometheus.GaugeVec
	BackendAvgResponseSeconds  *prometheus.GaugeVec
	BackendLastResponseSeconds *prometheus.GaugeVec
	BackendRequestRate         *prometheus.GaugeVec
	BackendSuccessRate         *prometheus.GaugeVec
}

// BackendSnapshot снимок состояния одного бэкенда
type BackendSnapshot struct {
	Route   string
	Backend string

	Alive             bool
	Weight            float64
	ActiveConnections int64
	AvgResponseTime   time.Duration
	LastResponseTime  time.Duration
	RequestsPerSecond float64
	SuccessRate       float64
}

// NewRegistry регистрирует метрики в переданном registerer
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apigateway",
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Total number of admission decisions",
			},
			[]string{"route", "outcome"},
		),

		RateLimitChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apigateway",
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Total number of rate limit checks by backend",
			},
			[]string{"backend", "outcome"},
		),

		StoreLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "apigateway",
				Subsystem: "ratelimit",
				Name:      "store_duration_seconds",
				Help:      "Latency of the distributed token bucket script",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),

		DegradedMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "apigateway",
				Subsystem: "ratelimit",
				Name:      "degraded_mode",
				Help:      "1 while the local fallback limiter is in use",
			},
		),

		TrustStoreRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apigateway",
				Subsystem: "auth",
				Name:      "jwks_refresh_total",
				Help:      "Total number of JWKS refresh attempts",
			},
			[]string{"result"},
		),

		TrustStoreKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "apigateway",
				Subsystem: "auth",
				Name:      "jwks_keys",
				Help:      "Number of verification keys currently trusted",
			},
		),

		LocalBuckets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "apigateway",
				Subsystem: "ratelimit",
				Name:      "local_buckets",
				Help:      "Number of buckets held by the local fallback limiter",
			},
		),

		BackendUp:                  backendGauge(factory, "up", "1 if the backend is considered alive"),
		BackendWeight:              backendGauge(factory, "weight", "Configured backend weight"),
		BackendActiveConnections:   backendGauge(factory, "active_connections", "Requests currently in flight to the backend"),
		BackendAvgResponseSeconds:  backendGauge(factory, "avg_response_seconds", "Average response time over the recent window"),
		BackendLastResponseSeconds: backendGauge(factory, "last_response_seconds", "Response time of the last proxied request"),
		BackendRequestRate:         backendGauge(factory, "requests_per_second", "Request rate since the previous snapshot"),
		BackendSuccessRate:         backendGauge(factory, "success_ratio", "Share of successful requests since the previous snapshot"),
	}
}

func backendGauge(factory promauto.Factory, name, help string) *prometheus.GaugeVec {
	return factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apigateway",
			Subsystem: "backend",
			Name:      name,
			Help:      help,
		},
		[]string{"route", "backend"},
	)
}

// ObserveBackends заменяет значения метрик бэкендов снимком.
// Бэкенды, которых нет в снимке, пропадают из выдачи.
func (r *Registry) ObserveBackends(snapshots []BackendSnapshot) {
	vecs := []*prometheus.GaugeVec{
		r.BackendUp, r.BackendWeight, r.BackendActiveConnections,
		r.BackendAvgResponseSeconds, r.BackendLastResponseSeconds,
		r.BackendRequestRate, r.BackendSuccessRate,
	}
	for _, v := range vecs {
		v.Reset()
	}

	for _, s := range snapshots {
		up := 0.0
		if s.Alive {
			up = 1
		}
		r.BackendUp.WithLabelValues(s.Route, s.Backend).Set(up)
		r.BackendWeight.WithLabelValues(s.Route, s.Backend).Set(s.Weight)
		r.BackendActiveConnections.WithLabelValues(s.Route, s.Backend).Set(float64(s.ActiveConnections))
		r.BackendAvgResponseSeconds.WithLabelValues(s.Route, s.Backend).Set(s.AvgResponseTime.Seconds())
		r.BackendLastResponseSeconds.WithLabelValues(s.Route, s.Backend).Set(s.LastResponseTime.Seconds())
		r.BackendRequestRate.WithLabelValues(s.Route, s.Backend).Set(s.RequestsPerSecond)
		r.BackendSuccessRate.WithLabelValues(s.Route, s.Backend).Set(s.SuccessRate)
	}
}

// NewNop метрики в отдельном registry, не попадающие в глобальный
func NewNop() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
