// Package admission решает по каждому запросу: пропустить в upstream
// или отклонить с конкретной причиной.
package admission

import (
	"sort"
	"strings"

	"apigateway/config"
	"apigateway/internal/auth"
	"apigateway/internal/ratelimit"
)

// Route маршрут шлюза
type Route struct {
	ID          string
	PathPrefix  string
	StripPrefix bool
	Access      auth.AccessRule

	// nil, если у маршрута нет собственной политики
	Policy *ratelimit.Policy
}

// Consumer потребитель API
type Consumer struct {
	ID      string
	Enabled bool

	// nil, если у потребителя нет собственной политики
	Policy *ratelimit.Policy
}

// Registry неизменяемый снимок маршрутов и потребителей.
// При перезагрузке конфигурации создается новый снимок.
type Registry struct {
	// отсортированы по убыванию длины префикса
	routes    []Route
	consumers map[string]Consumer
}

// NewRegistry создает снимок
func NewRegistry(routes []Route, consumers []Consumer) *Registry {
	r := &Registry{
		routes:    make([]Route, len(routes)),
		consumers: make(map[string]Consumer, len(consumers)),
	}
	copy(r.routes, routes)
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].PathPrefix) > len(r.routes[j].PathPrefix)
	})
	for _, c := range consumers {
		r.consumers[c.ID] = c
	}
	return r
}

// RegistryFromConfig строит снимок из конфигурации
func RegistryFromConfig(cfg *config.Config) *Registry {
	routes := make([]Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		routes = append(routes, Route{
			ID:          rc.ID,
			PathPrefix:  rc.PathPrefix,
			StripPrefix: rc.StripPrefix,
			Access:      auth.NewAccessRule(rc.AuthRequired, rc.AllowedConsumers),
			Policy:      policyFromConfig(rc.RateLimit),
		})
	}

	consumers := make([]Consumer, 0, len(cfg.Consumers))
	for _, cc := range cfg.Consumers {
		consumers = append(consumers, Consumer{
			ID:      cc.ID,
			Enabled: cc.IsEnabled(),
			Policy:  policyFromConfig(cc.RateLimit),
		})
	}

	return NewRegistry(routes, consumers)
}

func policyFromConfig(pc *config.PolicyConfig) *ratelimit.Policy {
	if pc == nil {
		return nil
	}
	return &ratelimit.Policy{
		RequestsPerSecond: pc.RequestsPerSecond,
		BurstSize:         pc.BurstSize,
	}
}

// MatchRoute находит маршрут с самым длинным подходящим префиксом.
// Префикс совпадает только по границе сегмента пути.
func (r *Registry) MatchRoute(path string) (Route, bool) {
	for _, route := range r.routes {
		if matchPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	return Route{}, false
}

func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

// Consumer возвращает потребителя по id.
// Неизвестный потребитель считается включенным и без политики.
func (r *Registry) Consumer(id string) Consumer {
	if c, ok := r.consumers[id]; ok {
		return c
	}
	return Consumer{ID: id, Enabled: true}
}
