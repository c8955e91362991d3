package leastconn

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"apigateway/internal/loadbalancer/base"
	"apigateway/pkg/backend"
	"apigateway/pkg/logger"
	"apigateway/pkg/request"
)

// LeastConnections реализует алгоритм Least Connections
type LeastConnections struct {
	*base.BaseLoadBalancer
}

// New создает новый Least Connections балансировщик
func New(logger *logger.CustomZapLogger) *LeastConnections {
	return &LeastConnections{
		BaseLoadBalancer: base.NewBaseLoadBalancer(logger),
	}
}

// Invoke выбирает бэкенд с наименьшим количеством активных соединений.
// При равенстве побеждает добавленный раньше.
func (lc *LeastConnections) Invoke(_ request.Request) backend.Backend {
	backends := lc.Candidates()
	if len(backends) == 0 {
		lc.Logger().Warn("нет доступных бэкендов")
		return nil
	}

	var selected *base.BackendState
	minConn := int64(math.MaxInt64)

	// Находим бэкенд с минимальным количеством соединений
	for _, state := range backends {
		activeConn := atomic.LoadInt64(&state.Stats.ActiveConnections)
		if activeConn < minConn {
			minConn = activeConn
			selected = state
		}
	}

	lc.Logger().Debug("выбран бэкенд",
		zap.String("id", selected.Backend.ID()),
		zap.Int64("activeConnections", minConn))

	return selected.Backend
}
