package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"apigateway/internal/apperr"
	"apigateway/internal/auth"
	"apigateway/internal/auth/authtest"
	"apigateway/internal/ratelimit"
)

const testIssuer = "http://keycloak:8080/realms/gateway"

// recordingLimiter запоминает ключи и отвечает заданными результатами
type recordingLimiter struct {
	mu      sync.Mutex
	keys    []string
	results map[string]ratelimit.Result
}

func (l *recordingLimiter) CheckRateLimit(_ context.Context, key string, policy ratelimit.Policy) ratelimit.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if res, ok := l.results[key]; ok {
		return res
	}
	return ratelimit.Result{Allowed: true, Remaining: int64(policy.BurstSize - 1)}
}

type fixture struct {
	pipeline *Pipeline
	issuer   *authtest.Issuer
	limiter  *recordingLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	issuer := authtest.NewIssuer(t, testIssuer, "kid-1")
	store := auth.NewTrustStore(auth.TrustStoreConfig{Issuers: []string{testIssuer}})
	store.SetKeys(issuer.PublicKeys())

	routes := []Route{
		{
			ID:         "orders",
			PathPrefix: "/api/orders",
			Access:     auth.NewAccessRule(true, []string{"company-a", "company-c"}),
			Policy:     &ratelimit.Policy{RequestsPerSecond: 10, BurstSize: 4},
		},
		{
			ID:         "catalog",
			PathPrefix: "/api/catalog",
			Access:     auth.NewAccessRule(false, nil),
			Policy:     &ratelimit.Policy{RequestsPerSecond: 50, BurstSize: 100},
		},
		{
			ID:         "reports",
			PathPrefix: "/api/reports",
			Access:     auth.NewAccessRule(true, nil),
		},
	}
	consumers := []Consumer{
		{ID: "company-a", Enabled: true, Policy: &ratelimit.Policy{RequestsPerSecond: 5, BurstSize: 10}},
		{ID: "company-c", Enabled: false},
	}

	limiter := &recordingLimiter{results: map[string]ratelimit.Result{}}
	p := NewPipeline(PipelineConfig{
		Registry:      NewRegistry(routes, consumers),
		Authenticator: auth.NewAuthenticator(store),
		RateLimiter:   limiter,
		KeyPrefix:     "rate_limit",
	})
	return &fixture{pipeline: p, issuer: issuer, limiter: limiter}
}

func (f *fixture) token(t *testing.T, consumer string) string {
	return f.issuer.Token(t, authtest.TokenClaims{AuthorizedParty: consumer})
}

func assertKind(t *testing.T, err error, want apperr.Kind) {
	t.Helper()
	if got := apperr.KindOf(err); got != want {
		t.Fatalf("ожидался вид %v, получено %v (%v)", want, got, err)
	}
}

func TestAdmit_WhitelistedConsumer(t *testing.T) {
	f := newFixture(t)

	d, err := f.pipeline.Admit(context.Background(), Request{
		Path:  "/api/orders/42",
		Token: f.token(t, "company-a"),
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if d.Principal == nil || d.Principal.ConsumerID != "company-a" {
		t.Fatalf("неверный принципал %+v", d.Principal)
	}
	if d.Route.ID != "orders" {
		t.Fatalf("неверный маршрут %q", d.Route.ID)
	}
}

func TestAdmit_ConsumerNotInWhitelist(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Admit(context.Background(), Request{
		Path:  "/api/orders",
		Token: f.token(t, "company-b"),
	})
	assertKind(t, err, apperr.KindForbidden)
	if apperr.StatusCode(apperr.KindOf(err)) != 403 {
		t.Fatal("company-b должна получить 403")
	}
	if len(f.limiter.keys) != 0 {
		t.Fatal("отказ авторизации не должен расходовать токены")
	}
}

func TestAdmit_MissingTokenOnProtectedRoute(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Admit(context.Background(), Request{Path: "/api/orders"})
	assertKind(t, err, apperr.KindUnauthenticated)
}

func TestAdmit_InvalidTokenOnPublicRoute(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Admit(context.Background(), Request{Path: "/api/catalog", Token: "garbage"})
	assertKind(t, err, apperr.KindUnauthenticated)
}

func TestAdmit_AnonymousOnPublicRoute(t *testing.T) {
	f := newFixture(t)

	d, err := f.pipeline.Admit(context.Background(), Request{Path: "/api/catalog/items", ClientIP: "10.0.0.7"})
	if err != nil {
		t.Fatalf("публичный маршрут должен пускать без токена: %v", err)
	}
	if d.Identity != "anon-10.0.0.7" {
		t.Fatalf("неверная анонимная идентичность %q", d.Identity)
	}
	if len(f.limiter.keys) != 1 || f.limiter.keys[0] != "rate_limit:catalog:anon-10.0.0.7" {
		t.Fatalf("неверные ключи %v", f.limiter.keys)
	}
}

func TestAdmit_DisabledConsumer(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Admit(context.Background(), Request{
		Path:  "/api/orders",
		Token: f.token(t, "company-c"),
	})
	assertKind(t, err, apperr.KindForbidden)
}

func TestAdmit_UnknownConsumerWithoutWhitelist(t *testing.T) {
	f := newFixture(t)
	d, err := f.pipeline.Admit(context.Background(), Request{
		Path:  "/api/reports",
		Token: f.token(t, "company-z"),
	})
	if err != nil {
		t.Fatalf("неизвестный потребитель включен по умолчанию: %v", err)
	}
	if d.Limited {
		t.Fatal("у маршрута и потребителя нет политик")
	}
}

func TestAdmit_RouteNotFound(t *testing.T) {
	f := newFixture(t)
	d, err := f.pipeline.Admit(context.Background(), Request{Path: "/api/ordersX"})
	assertKind(t, err, apperr.KindRouteNotFound)
	if d != nil {
		t.Fatal("без маршрута решения нет")
	}
}

func TestAdmit_BothLimitsRun(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.limiter.results["rate_limit:orders:company-a"] = ratelimit.Result{
		Allowed:   false,
		ResetTime: now.Add(100 * time.Millisecond),
	}

	d, err := f.pipeline.Admit(context.Background(), Request{
		Path:  "/api/orders",
		Token: f.token(t, "company-a"),
	})
	assertKind(t, err, apperr.KindRateLimited)

	want := []string{"rate_limit:orders:company-a", "rate_limit:company-a:company-a"}
	if len(f.limiter.keys) != 2 || f.limiter.keys[0] != want[0] || f.limiter.keys[1] != want[1] {
		t.Fatalf("обе проверки должны выполниться: %v", f.limiter.keys)
	}
	if d.RateLimit.Remaining != 0 || !d.RateLimit.ResetTime.Equal(now.Add(100*time.Millisecond)) {
		t.Fatalf("неверный результат отказа %+v", d.RateLimit)
	}
}

func TestAdmit_LatestResetWins(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.limiter.results["rate_limit:orders:company-a"] = ratelimit.Result{ResetTime: now.Add(100 * time.Millisecond)}
	f.limiter.results["rate_limit:company-a:company-a"] = ratelimit.Result{ResetTime: now.Add(time.Second)}

	d, err := f.pipeline.Admit(context.Background(), Request{
		Path:  "/api/orders",
		Token: f.token(t, "company-a"),
	})
	assertKind(t, err, apperr.KindRateLimited)
	if !d.RateLimit.ResetTime.Equal(now.Add(time.Second)) {
		t.Fatalf("ожидался самый поздний сброс, получено %v", d.RateLimit.ResetTime)
	}
}

func TestAdmit_SmallestRemainingReported(t *testing.T) {
	f := newFixture(t)
	f.limiter.results["rate_limit:orders:company-a"] = ratelimit.Result{Allowed: true, Remaining: 3}
	f.limiter.results["rate_limit:company-a:company-a"] = ratelimit.Result{Allowed: true, Remaining: 1}

	d, err := f.pipeline.Admit(context.Background(), Request{
		Path:  "/api/orders",
		Token: f.token(t, "company-a"),
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !d.Limited || d.RateLimit.Remaining != 1 {
		t.Fatalf("ожидался наименьший остаток 1, получено %+v", d.RateLimit)
	}
}

func TestAdmit_WithRealLimiter(t *testing.T) {
	f := newFixture(t)
	fixed := time.Now()
	clock := func() time.Time { return fixed }
	svc := ratelimit.NewService(ratelimit.ServiceConfig{
		Local:           ratelimit.NewLocalLimiter(1, ratelimit.WithLocalClock(clock)),
		FallbackEnabled: true,
		Now:             clock,
	})
	f.pipeline.limiter = svc

	req := Request{Path: "/api/catalog", ClientIP: "10.0.0.1"}
	for i := 0; i < 100; i++ {
		if _, err := f.pipeline.Admit(context.Background(), req); err != nil {
			t.Fatalf("запрос %d в пределах burst: %v", i+1, err)
		}
	}
	_, err := f.pipeline.Admit(context.Background(), req)
	assertKind(t, err, apperr.KindRateLimited)
}

func TestPipeline_SetRegistry(t *testing.T) {
	f := newFixture(t)
	f.pipeline.SetRegistry(NewRegistry([]Route{{ID: "new", PathPrefix: "/new"}}, nil))

	if _, err := f.pipeline.Admit(context.Background(), Request{Path: "/api/catalog"}); apperr.KindOf(err) != apperr.KindRouteNotFound {
		t.Fatal("старые маршруты не должны действовать после замены")
	}
	if _, err := f.pipeline.Admit(context.Background(), Request{Path: "/new/x"}); err != nil {
		t.Fatalf("новый маршрут должен работать: %v", err)
	}
}
