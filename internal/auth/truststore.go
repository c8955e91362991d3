// Package auth проверяет bearer токены доверенных издателей и решает,
// пускать ли потребителя на маршрут.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"go.uber.org/zap"

	"apigateway/internal/metrics"
	"apigateway/pkg/logger"
	"apigateway/pkg/workerpool"
)

// максимальный размер ответа JWKS
const maxJWKSBody = 1 << 20

// TrustStore хранит доверенных издателей и ключи проверки подписи.
// Издатели сравниваются точным совпадением строки.
type TrustStore struct {
	mu       sync.RWMutex
	issuers  map[string]struct{}
	keys     []jose.JSONWebKey
	jwksURLs []string

	client       *http.Client
	fetchTimeout time.Duration
	workers      int

	logger  *logger.CustomZapLogger
	metrics *metrics.Registry
}

// TrustStoreConfig параметры TrustStore
type TrustStoreConfig struct {
	Issuers      []string
	JWKSURLs     []string
	FetchTimeout time.Duration
	Workers      int
	HTTPClient   *http.Client
	Logger       *logger.CustomZapLogger
	Metrics      *metrics.Registry
}

// NewTrustStore создает хранилище. Ключи появляются после Refresh или SetKeys.
func NewTrustStore(cfg TrustStoreConfig) *TrustStore {
	ts := &TrustStore{
		client:       cfg.HTTPClient,
		fetchTimeout: cfg.FetchTimeout,
		workers:      cfg.Workers,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if ts.client == nil {
		ts.client = &http.Client{}
	}
	if ts.fetchTimeout <= 0 {
		ts.fetchTimeout = 5 * time.Second
	}
	if ts.workers <= 0 {
		ts.workers = 4
	}
	if ts.logger == nil {
		ts.logger = logger.NewNop()
	}
	if ts.metrics == nil {
		ts.metrics = metrics.NewNop()
	}
	ts.SetIssuers(cfg.Issuers)
	ts.SetJWKSURLs(cfg.JWKSURLs)
	return ts
}

// SetIssuers заменяет список доверенных издателей
func (ts *TrustStore) SetIssuers(issuers []string) {
	set := make(map[string]struct{}, len(issuers))
	for _, iss := range issuers {
		if iss != "" {
			set[iss] = struct{}{}
		}
	}

	ts.mu.Lock()
	ts.issuers = set
	ts.mu.Unlock()
}

// IsTrusted true, если издатель в точности совпадает с одним из доверенных
func (ts *TrustStore) IsTrusted(issuer string) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	_, ok := ts.issuers[issuer]
	return ok
}

// HasIssuers false при пустом списке: такой конфиг отклоняет все токены
func (ts *TrustStore) HasIssuers() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.issuers) > 0
}

// SetJWKSURLs заменяет адреса, с которых загружаются ключи
func (ts *TrustStore) SetJWKSURLs(urls []string) {
	cp := make([]string, len(urls))
	copy(cp, urls)

	ts.mu.Lock()
	ts.jwksURLs = cp
	ts.mu.Unlock()
}

// SetKeys заменяет набор ключей целиком
func (ts *TrustStore) SetKeys(keys []jose.JSONWebKey) {
	cp := make([]jose.JSONWebKey, 0, len(keys))
	for _, k := range keys {
		if k.Valid() {
			cp = append(cp, k)
		}
	}

	ts.mu.Lock()
	ts.keys = cp
	ts.mu.Unlock()

	ts.metrics.TrustStoreKeys.Set(float64(len(cp)))
}

// Keys возвращает ключи с указанным kid.
// Для пустого kid возвращаются все ключи.
func (ts *TrustStore) Keys(kid string) []jose.JSONWebKey {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if kid == "" {
		out := make([]jose.JSONWebKey, len(ts.keys))
		copy(out, ts.keys)
		return out
	}

	var out []jose.JSONWebKey
	for _, k := range ts.keys {
		if k.KeyID == kid {
			out = append(out, k)
		}
	}
	return out
}

// Refresh загружает ключи со всех JWKS адресов параллельно.
// Если не ответил ни один адрес, прежний набор ключей сохраняется.
func (ts *TrustStore) Refresh(ctx context.Context) error {
	ts.mu.RLock()
	urls := make([]string, len(ts.jwksURLs))
	copy(urls, ts.jwksURLs)
	ts.mu.RUnlock()

	if len(urls) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		merged []jose.JSONWebKey
		errs   []error
	)

	pool := workerpool.NewWorkerPool(min(ts.workers, len(urls)))
	for _, u := range urls {
		u := u // go 1.21: копия переменной цикла на итерацию
		pool.Submit(func() {
			keys, err := ts.fetch(ctx, u)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				ts.logger.Warn("не удалось загрузить JWKS", zap.String("url", u), zap.Error(err))
				return
			}
			merged = append(merged, keys...)
		})
	}
	pool.Wait()

	if len(errs) == len(urls) {
		ts.metrics.TrustStoreRefreshes.WithLabelValues("failed").Inc()
		return fmt.Errorf("refresh jwks: %w", errors.Join(errs...))
	}

	ts.SetKeys(merged)

	result := "ok"
	if len(errs) > 0 {
		result = "partial"
	}
	ts.metrics.TrustStoreRefreshes.WithLabelValues(result).Inc()
	ts.logger.Info("ключи доверенных издателей обновлены",
		zap.Int("keys", len(merged)),
		zap.Int("failedUrls", len(errs)))
	return nil
}

func (ts *TrustStore) fetch(ctx context.Context, url string) ([]jose.JSONWebKey, error) {
	ctx, cancel := context.WithTimeout(ctx, ts.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBody)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return set.Keys, nil
}
