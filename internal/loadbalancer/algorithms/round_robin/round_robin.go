package roundrobin

import (
	"sync/atomic"

	"apigateway/internal/loadbalancer/base"
	"apigateway/pkg/backend"
	"apigateway/pkg/logger"
	"apigateway/pkg/request"
)

// RoundRobin реализует алгоритм балансировки Round Robin
type RoundRobin struct {
	*base.BaseLoadBalancer
	current atomic.Uint64
}

// New создает новый балансировщик Round Robin
func New(logger *logger.CustomZapLogger) *RoundRobin {
	return &RoundRobin{
		BaseLoadBalancer: base.NewBaseLoadBalancer(logger),
	}
}

// Invoke выбирает следующий бэкенд для запроса
func (r *RoundRobin) Invoke(_ request.Request) backend.Backend {
	backends := r.Candidates()
	if len(backends) == 0 {
		r.Logger().Error("нет доступных бэкендов")
		return nil
	}

	// Атомарно увеличиваем счетчик и берем остаток от деления
	next := (r.current.Add(1) - 1) % uint64(len(backends))
	return backends[next].Backend
}
