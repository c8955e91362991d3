package weighted

import (
	"sync"

	"apigateway/internal/loadbalancer/base"
	"apigateway/pkg/backend"
	"apigateway/pkg/logger"
	"apigateway/pkg/request"
)

// WeightedRoundRobin реализует плавный взвешенный Round Robin:
// на каждом шаге выбирается бэкенд с наибольшим текущим весом
type WeightedRoundRobin struct {
	*base.BaseLoadBalancer

	mu      sync.Mutex
	current map[string]float64
}

// New создает новый взвешенный балансировщик
func New(logger *logger.CustomZapLogger) *WeightedRoundRobin {
	return &WeightedRoundRobin{
		BaseLoadBalancer: base.NewBaseLoadBalancer(logger),
		current:          make(map[string]float64),
	}
}

// Invoke выбирает следующий бэкенд для запроса с учетом весов
func (w *WeightedRoundRobin) Invoke(_ request.Request) backend.Backend {
	backends := w.Candidates()
	if len(backends) == 0 {
		w.Logger().Error("нет доступных бэкендов")
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Вычисляем общий вес
	var totalWeight float64
	var selected *base.BackendState
	for _, b := range backends {
		id := b.Backend.ID()
		w.current[id] += b.Weight
		totalWeight += b.Weight
		if selected == nil || w.current[id] > w.current[selected.Backend.ID()] {
			selected = b
		}
	}

	w.current[selected.Backend.ID()] -= totalWeight
	return selected.Backend
}
