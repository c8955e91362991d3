package base

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"apigateway/pkg/backend"
	"apigateway/pkg/logger"
)

// Stats хранит статистику бэкенда
type Stats struct {
	ActiveConnections int64
	ResponseTime      int64 // последний ответ, в миллисекундах
}

// BackendState хранит состояние бэкенда
type BackendState struct {
	Backend backend.Backend
	Stats   Stats
	Weight  float64
}

// BaseLoadBalancer содержит общую функциональность для всех алгоритмов.
// Порядок бэкендов совпадает с порядком добавления.
type BaseLoadBalancer struct {
	backends []*BackendState
	index    map[string]*BackendState
	mu       sync.RWMutex
	logger   *logger.CustomZapLogger
}

// NewBaseLoadBalancer создает новый базовый балансировщик
func NewBaseLoadBalancer(logger *logger.CustomZapLogger) *BaseLoadBalancer {
	return &BaseLoadBalancer{
		index:  make(map[string]*BackendState),
		logger: logger,
	}
}

func (b *BaseLoadBalancer) AddBackend(be backend.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.index[be.ID()]; exists {
		b.logger.Debug("бэкенд уже добавлен", zap.String("id", be.ID()))
		return
	}

	weight := be.Weight()
	if weight <= 0 {
		weight = 1.0
	}
	state := &BackendState{Backend: be, Weight: weight}
	b.backends = append(b.backends, state)
	b.index[be.ID()] = state

	b.logger.Debug("бэкенд добавлен",
		zap.String("id", be.ID()),
		zap.Float64("weight", weight),
		zap.Int("total", len(b.backends)))
}

func (b *BaseLoadBalancer) RemoveBackend(be backend.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.index[be.ID()]; !exists {
		b.logger.Debug("попытка удаления несуществующего бэкенда", zap.String("id", be.ID()))
		return
	}

	delete(b.index, be.ID())
	kept := b.backends[:0]
	for _, s := range b.backends {
		if s.Backend.ID() != be.ID() {
			kept = append(kept, s)
		}
	}
	b.backends = kept

	b.logger.Debug("бэкенд удален", zap.String("id", be.ID()), zap.Int("total", len(b.backends)))
}

func (b *BaseLoadBalancer) GetBackend(id string) *BackendState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index[id]
}

// GetBackends возвращает список всех бэкендов
func (b *BaseLoadBalancer) GetBackends() []*BackendState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	backends := make([]*BackendState, len(b.backends))
	copy(backends, b.backends)
	return backends
}

// Candidates живые бэкенды; если живых нет, все
func (b *BaseLoadBalancer) Candidates() []*BackendState {
	all := b.GetBackends()
	alive := make([]*BackendState, 0, len(all))
	for _, s := range all {
		if s.Backend.IsAlive() {
			alive = append(alive, s)
		}
	}
	if len(alive) == 0 {
		return all
	}
	return alive
}

func (b *BaseLoadBalancer) IncActiveConnections(id string) {
	if state := b.GetBackend(id); state != nil {
		atomic.AddInt64(&state.Stats.ActiveConnections, 1)
	}
}

func (b *BaseLoadBalancer) DecActiveConnections(id string) {
	if state := b.GetBackend(id); state != nil {
		atomic.AddInt64(&state.Stats.ActiveConnections, -1)
	}
}

func (b *BaseLoadBalancer) UpdateResponseTime(id string, responseTime int64) {
	if state := b.GetBackend(id); state != nil {
		atomic.StoreInt64(&state.Stats.ResponseTime, responseTime)
	}
}

// Logger возвращает логгер
func (b *BaseLoadBalancer) Logger() *logger.CustomZapLogger {
	return b.logger
}
