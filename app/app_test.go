package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"apigateway/config"
)

// Redis на заведомо закрытом порту: шлюз стартует в режиме деградации
const appConfig = `
redis:
  addrs: ["127.0.0.1:1"]
  dialTimeout: 100ms
rateLimit:
  fallbackEnabled: true
  storeTimeout: 50ms
auth:
  trustedIssuers: ["http://issuer.test"]
routes:
  - id: orders
    pathPrefix: /api/orders
    authRequired: true
    backends:
      - id: b1
        url: %s
logger:
  logLevel: error
  serviceName: apigateway
  format: json
`

const reloadedConfig = `
server:
  trustedProxies: ["10.0.0.0/8"]
redis:
  addrs: ["127.0.0.1:1"]
routes:
  - id: catalog
    pathPrefix: /api/catalog
    rateLimit:
      requestsPerSecond: 1
      burstSize: 2
    backends:
      - id: b1
        url: %s
logger:
  logLevel: error
  serviceName: apigateway
`

func newTestApp(t *testing.T, upstream string) *App {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(appConfig, upstream)), 0o644); err != nil {
		t.Fatalf("не удалось записать конфигурацию: %v", err)
	}

	a, err := NewApp(path, ":0")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	t.Cleanup(func() {
		a.scheduler.Stop()
		_ = a.configManager.Close()
		_ = a.redis.Close()
	})
	return a
}

func serve(a *App, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.proxy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func serveFrom(a *App, path, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	a.proxy.Handler().ServeHTTP(rec, req)
	return rec
}

func reload(t *testing.T, a *App, upstream string) {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(reloadedConfig, upstream)))
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if err := a.reconfigure(cfg); err != nil {
		t.Fatalf("неожиданная ошибка реконфигурации: %v", err)
	}
}

func TestNewApp_WiresAdmission(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	a := newTestApp(t, upstream.URL)

	if rec := serve(a, "/api/orders"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("защищенный маршрут без токена: ожидался 401, получено %d", rec.Code)
	}
	if rec := serve(a, "/other"); rec.Code != http.StatusNotFound {
		t.Fatalf("ожидался 404, получено %d", rec.Code)
	}
	if !a.trustStore.IsTrusted("http://issuer.test") {
		t.Fatal("издатель из конфигурации должен быть доверенным")
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("routes: []\n"), 0o644); err != nil {
		t.Fatalf("не удалось записать конфигурацию: %v", err)
	}
	if _, err := NewApp(path, ""); err == nil {
		t.Fatal("ожидалась ошибка невалидной конфигурации")
	}
}

func TestReconfigure_SwapsRoutesAndKeepsDegradedLimiter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	a := newTestApp(t, upstream.URL)
	reload(t, a, upstream.URL)

	if rec := serve(a, "/api/orders"); rec.Code != http.StatusNotFound {
		t.Fatalf("старый маршрут должен исчезнуть, получено %d", rec.Code)
	}
	if a.trustStore.HasIssuers() {
		t.Fatal("после перезагрузки список издателей пуст")
	}

	// Redis недоступен: локальная корзина с уменьшением 0.5 дает 1 токен в секунду и емкость 1
	if rec := serve(a, "/api/catalog"); rec.Code != http.StatusOK {
		t.Fatalf("первый запрос должен пройти, получено %d", rec.Code)
	}
	if rec := serve(a, "/api/catalog"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("второй запрос должен упереться в лимит, получено %d", rec.Code)
	}
	if !a.limiter.UsingFallback() {
		t.Fatal("ожидался режим деградации")
	}
}

func TestReconfigure_AppliesTrustedProxies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	a := newTestApp(t, upstream.URL)
	reload(t, a, upstream.URL)

	// через доверенный балансировщик у каждого клиента своя корзина
	if rec := serveFrom(a, "/api/catalog", "10.0.0.5:4000", "198.51.100.1"); rec.Code != http.StatusOK {
		t.Fatalf("первый клиент должен пройти, получено %d", rec.Code)
	}
	if rec := serveFrom(a, "/api/catalog", "10.0.0.5:4000", "198.51.100.2"); rec.Code != http.StatusOK {
		t.Fatalf("второй клиент должен пройти, получено %d", rec.Code)
	}

	// недоверенный адрес не может подменить клиента заголовком
	if rec := serveFrom(a, "/api/catalog", "203.0.113.7:4000", "198.51.100.3"); rec.Code != http.StatusOK {
		t.Fatalf("первый запрос с 203.0.113.7 должен пройти, получено %d", rec.Code)
	}
	if rec := serveFrom(a, "/api/catalog", "203.0.113.7:4000", "198.51.100.4"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("смена X-Forwarded-For не должна давать новую корзину, получено %d", rec.Code)
	}
}

func TestCollectStats_ExportsBackendMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	a := newTestApp(t, upstream.URL)
	reload(t, a, upstream.URL)

	if rec := serve(a, "/api/catalog"); rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получено %d", rec.Code)
	}

	a.collectStats()

	if got := testutil.ToFloat64(a.metrics.BackendUp.WithLabelValues("catalog", "b1")); got != 1 {
		t.Fatalf("бэкенд должен считаться живым, получено %v", got)
	}
	if got := testutil.ToFloat64(a.metrics.BackendSuccessRate.WithLabelValues("catalog", "b1")); got != 1 {
		t.Fatalf("ожидалась доля успешных 1, получено %v", got)
	}
	if got := testutil.ToFloat64(a.metrics.BackendRequestRate.WithLabelValues("catalog", "b1")); got <= 0 {
		t.Fatalf("ожидался ненулевой RPS, получено %v", got)
	}
	if got := testutil.ToFloat64(a.metrics.LocalBuckets); got != 1 {
		t.Fatalf("ожидалась 1 локальная корзина, получено %v", got)
	}
	// балансировщик старого маршрута заменен, его серий нет
	if n := testutil.CollectAndCount(a.metrics.BackendUp); n != 1 {
		t.Fatalf("ожидалась 1 серия состояния бэкенда, получено %d", n)
	}
}
