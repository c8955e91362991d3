package loadbalancer

import (
	"net/http"
	"testing"

	"apigateway/config"
	"apigateway/pkg/backend"
	"apigateway/pkg/logger"
)

// fakeBackend бэкенд без сети
type fakeBackend struct {
	id     string
	weight float64
	dead   bool
}

func (f *fakeBackend) ID() string { return f.id }
func (f *fakeBackend) URL() string { return "http://" + f.id }
func (f *fakeBackend) Weight() float64 { return f.weight }
func (f *fakeBackend) IsAlive() bool { return !f.dead }
func (f *fakeBackend) GetLoadStats() backend.LoadStats { return backend.LoadStats{} }
func (f *fakeBackend) ServeHTTP(http.ResponseWriter, *http.Request) {}

func newBalancer(t *testing.T, method string, backends ...*fakeBackend) LoadBalancer {
	t.Helper()
	lb, err := New(config.LoadBalancerConfig{Method: method}, logger.NewNop())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	for _, b := range backends {
		lb.AddBackend(b)
	}
	return lb
}

func pick(lb LoadBalancer, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		counts[lb.Invoke(nil).ID()]++
	}
	return counts
}

func TestRoundRobin_Distributes(t *testing.T) {
	lb := newBalancer(t, "RoundRobin",
		&fakeBackend{id: "a", weight: 1},
		&fakeBackend{id: "b", weight: 1},
		&fakeBackend{id: "c", weight: 1})

	if first := lb.Invoke(nil).ID(); first != "a" {
		t.Fatalf("первым выбирается первый добавленный, получено %s", first)
	}
	counts := pick(lb, 299)
	if counts["a"] != 99 || counts["b"] != 100 || counts["c"] != 100 {
		t.Fatalf("неравномерное распределение %v", counts)
	}
}

func TestRoundRobin_SkipsDeadBackends(t *testing.T) {
	lb := newBalancer(t, "RoundRobin",
		&fakeBackend{id: "a", weight: 1, dead: true},
		&fakeBackend{id: "b", weight: 1})

	if counts := pick(lb, 10); counts["b"] != 10 {
		t.Fatalf("недоступный бэкенд не должен выбираться: %v", counts)
	}
}

func TestWeighted_RespectsWeights(t *testing.T) {
	lb := newBalancer(t, "WeightedRoundRobin",
		&fakeBackend{id: "a", weight: 3},
		&fakeBackend{id: "b", weight: 1})

	counts := pick(lb, 400)
	if counts["a"] != 300 || counts["b"] != 100 {
		t.Fatalf("ожидалось 300/100, получено %v", counts)
	}
}

func TestLeastConnections_PicksIdle(t *testing.T) {
	lb := newBalancer(t, "LeastConnections",
		&fakeBackend{id: "a", weight: 1},
		&fakeBackend{id: "b", weight: 1})

	lb.IncActiveConnections("a")
	if got := lb.Invoke(nil).ID(); got != "b" {
		t.Fatalf("ожидался менее загруженный b, получено %s", got)
	}

	lb.IncActiveConnections("b")
	lb.IncActiveConnections("b")
	lb.DecActiveConnections("a")
	if got := lb.Invoke(nil).ID(); got != "a" {
		t.Fatalf("ожидался a, получено %s", got)
	}
}

func TestBalancer_Empty(t *testing.T) {
	for _, method := range []string{"RoundRobin", "WeightedRoundRobin", "LeastConnections"} {
		if b := newBalancer(t, method).Invoke(nil); b != nil {
			t.Fatalf("%s: без бэкендов выбор пуст", method)
		}
	}
}

func TestBalancer_RemoveBackend(t *testing.T) {
	a := &fakeBackend{id: "a", weight: 1}
	b := &fakeBackend{id: "b", weight: 1}
	lb := newBalancer(t, "RoundRobin", a, b)

	lb.RemoveBackend(a)
	if len(lb.GetBackends()) != 1 || lb.GetBackend("a") != nil {
		t.Fatal("бэкенд a должен быть удален")
	}
}

func TestNew_UnknownMethod(t *testing.T) {
	if _, err := New(config.LoadBalancerConfig{Method: "Random"}, logger.NewNop()); err == nil {
		t.Fatal("ожидалась ошибка неизвестного метода")
	}
}

func TestForRoute(t *testing.T) {
	lb, err := ForRoute(config.RouteConfig{
		ID:           "orders",
		LoadBalancer: config.LoadBalancerConfig{Method: "LeastConnections"},
		Backends: []config.BackendConfig{
			{ID: "b1", URL: "http://localhost:8081"},
			{ID: "b2", URL: "http://localhost:8082"},
		},
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(lb.GetBackends()) != 2 {
		t.Fatalf("ожидалось 2 бэкенда, получено %d", len(lb.GetBackends()))
	}
}
