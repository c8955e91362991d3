package loadbalancer

import (
	"fmt"

	"go.uber.org/zap"

	"apigateway/config"
	"apigateway/internal/loadbalancer/algorithms/leastconn"
	roundrobin "apigateway/internal/loadbalancer/algorithms/round_robin"
	"apigateway/internal/loadbalancer/algorithms/weighted"
	"apigateway/internal/loadbalancer/base"
	"apigateway/pkg/backend"
	"apigateway/pkg/logger"
	"apigateway/pkg/request"
)

// LoadBalancer определяет интерфейс балансировщика нагрузки
type LoadBalancer interface {
	// AddBackend добавляет новый бэкенд
	AddBackend(backend backend.Backend)
	// RemoveBackend удаляет бэкенд
	RemoveBackend(backend backend.Backend)
	// Invoke выбирает следующий бэкенд для запроса
	Invoke(request request.Request) backend.Backend
	// GetBackend возвращает состояние бэкенда по ID
	GetBackend(id string) *base.BackendState
	// GetBackends возвращает список всех бэкендов
	GetBackends() []*base.BackendState
	// IncActiveConnections увеличивает счетчик активных соединений
	IncActiveConnections(id string)
	// DecActiveConnections уменьшает счетчик активных соединений
	DecActiveConnections(id string)
	// UpdateResponseTime обновляет время ответа бэкенда
	UpdateResponseTime(id string, responseTime int64)
}

// New создает новый балансировщик на основе конфигурации
func New(cfg config.LoadBalancerConfig, appLogger *logger.CustomZapLogger) (LoadBalancer, error) {
	switch cfg.Method {
	case "RoundRobin", "":
		return roundrobin.New(appLogger), nil
	case "WeightedRoundRobin":
		return weighted.New(appLogger), nil
	case "LeastConnections":
		return leastconn.New(appLogger), nil
	default:
		err := fmt.Errorf("неподдерживаемый метод балансировки: %s", cfg.Method)
		appLogger.Error(err.Error())
		return nil, err
	}
}

// ForRoute создает балансировщик маршрута и добавляет в него бэкенды
func ForRoute(route config.RouteConfig, appLogger *logger.CustomZapLogger) (LoadBalancer, error) {
	routeLogger := appLogger.With(zap.String("route", route.ID))

	lb, err := New(route.LoadBalancer, routeLogger)
	if err != nil {
		return nil, err
	}

	for _, bc := range route.Backends {
		be, err := backend.NewFromConfig(bc)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.ID, err)
		}
		lb.AddBackend(be)
	}
	return lb, nil
}
