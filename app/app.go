package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"apigateway/config"
	"apigateway/internal/admission"
	"apigateway/internal/auth"
	"apigateway/internal/loadbalancer"
	"apigateway/internal/metrics"
	"apigateway/internal/ratelimit"
	"apigateway/internal/transport"
	"apigateway/pkg/logger"
	"apigateway/pkg/request"
)

type App struct {
	configManager *config.ConfigManager
	appLogger     *logger.CustomZapLogger
	mu            sync.Mutex
	port          string
	cfg           *config.Config

	redis      redis.UniversalClient
	limiter    *ratelimit.Service
	trustStore *auth.TrustStore
	pipeline   *admission.Pipeline
	proxy      *transport.Proxy
	scheduler  *cron.Cron

	promRegistry  *prometheus.Registry
	metrics       *metrics.Registry
	metricsServer *http.Server
}

func NewApp(configPath, port string) (*App, error) {
	// Создаем менеджер конфигурации
	configManager, err := config.NewConfigManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	cfg := configManager.GetConfig()

	if port == "" {
		port = cfg.Server.Port
	}

	app := &App{
		configManager: configManager,
		port:          port,
		cfg:           cfg,
	}

	// Создаем логгер
	app.appLogger = logger.NewCustomZapLogger((*logger.LoggerConfig)(cfg.Logger))
	app.appLogger.Info("Инициализация приложения",
		zap.String("configPath", configPath),
		zap.String("port", port))

	app.promRegistry = prometheus.NewRegistry()
	app.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewRegistry(app.promRegistry)
	app.metrics = appMetrics

	// Redis: недоступность при старте не фатальна, шлюз начнет в режиме деградации
	app.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Redis.Addrs,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	if err := app.redis.Ping(pingCtx).Err(); err != nil {
		app.appLogger.Warn("Redis недоступен при старте", zap.Strings("addrs", cfg.Redis.Addrs), zap.Error(err))
	} else {
		app.appLogger.Info("Подключение к Redis установлено", zap.Strings("addrs", cfg.Redis.Addrs))
	}
	cancel()

	rl := cfg.RateLimit
	app.limiter = ratelimit.NewService(ratelimit.ServiceConfig{
		Distributed:     ratelimit.NewRedisBucket(app.redis, ratelimit.WithStoreTimeout(rl.StoreTimeout)),
		Local:           ratelimit.NewLocalLimiter(rl.FallbackReduction, ratelimit.WithShards(rl.LocalShards)),
		FallbackEnabled: rl.IsFallbackEnabled(),
		Logger:          app.appLogger.With(zap.String("component", "ratelimit")),
		Metrics:         appMetrics,
	})

	app.trustStore = auth.NewTrustStore(auth.TrustStoreConfig{
		Issuers:      cfg.Auth.TrustedIssuers,
		JWKSURLs:     cfg.Auth.JWKSURLs,
		FetchTimeout: cfg.Auth.FetchTimeout,
		Logger:       app.appLogger.With(zap.String("component", "truststore")),
		Metrics:      appMetrics,
	})
	if len(cfg.Auth.TrustedIssuers) == 0 {
		app.appLogger.Warn("Список доверенных издателей пуст, все токены будут отклоняться")
	}

	app.pipeline = admission.NewPipeline(admission.PipelineConfig{
		Registry:      admission.RegistryFromConfig(cfg),
		Authenticator: auth.NewAuthenticator(app.trustStore, auth.WithLeeway(cfg.Auth.Leeway)),
		RateLimiter:   app.limiter,
		KeyPrefix:     rl.RateLimitKeyPrefix,
		Logger:        app.appLogger.With(zap.String("component", "admission")),
		Metrics:       appMetrics,
	})

	balancers, err := buildBalancers(cfg, app.appLogger)
	if err != nil {
		configManager.Close()
		return nil, err
	}

	// уже проверено при разборе конфигурации
	proxies, err := request.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		configManager.Close()
		return nil, fmt.Errorf("invalid server.trustedProxies: %w", err)
	}

	app.proxy = transport.NewProxy(transport.ProxyConfig{
		Admitter:       app.pipeline,
		Health:         app.limiter,
		Balancers:      balancers,
		Logger:         app.appLogger.With(zap.String("component", "proxy")),
		TrustedProxies: proxies,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	})

	if err := app.scheduleJobs(cfg); err != nil {
		configManager.Close()
		return nil, err
	}

	if cfg.Server.MetricsPort != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.promRegistry, promhttp.HandlerOpts{}))
		app.metricsServer = &http.Server{Addr: cfg.Server.MetricsPort, Handler: mux}
	}

	return app, nil
}

func buildBalancers(cfg *config.Config, appLogger *logger.CustomZapLogger) (map[string]loadbalancer.LoadBalancer, error) {
	balancers := make(map[string]loadbalancer.LoadBalancer, len(cfg.Routes))
	for _, route := range cfg.Routes {
		lb, err := loadbalancer.ForRoute(route, appLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create load balancer: %w", err)
		}
		balancers[route.ID] = lb
	}
	return balancers, nil
}

// scheduleJobs регистрирует периодическое обновление JWKS, очистку локальных корзин
// и снятие статистики бэкендов. Расписания берутся из начальной конфигурации.
func (a *App) scheduleJobs(cfg *config.Config) error {
	a.scheduler = cron.New()

	if _, err := a.scheduler.AddFunc(cfg.Auth.RefreshSchedule, a.refreshKeys); err != nil {
		return fmt.Errorf("invalid auth.refreshSchedule: %w", err)
	}

	if _, err := a.scheduler.AddFunc(cfg.Server.StatsSchedule, a.collectStats); err != nil {
		return fmt.Errorf("invalid server.statsSchedule: %w", err)
	}

	// нулевой TTL отключает очистку
	if ttl := cfg.RateLimit.LocalBucketTTL(); ttl > 0 {
		_, err := a.scheduler.AddFunc(cfg.RateLimit.SweepSchedule, func() {
			if removed := a.limiter.Local().Sweep(ttl); removed > 0 {
				a.appLogger.Debug("удалены неактивные локальные корзины", zap.Int("removed", removed))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid rateLimit.sweepSchedule: %w", err)
		}
	}
	return nil
}

// collectStats переносит статистику бэкендов и локального лимитера в метрики
func (a *App) collectStats() {
	var snapshots []metrics.BackendSnapshot
	for routeID, lb := range a.proxy.Balancers() {
		for _, state := range lb.GetBackends() {
			be := state.Backend
			load := be.GetLoadStats()
			snapshots = append(snapshots, metrics.BackendSnapshot{
				Route:             routeID,
				Backend:           be.ID(),
				Alive:             be.IsAlive(),
				Weight:            state.Weight,
				ActiveConnections: load.ActiveConnections,
				AvgResponseTime:   load.AvgResponseTime,
				LastResponseTime:  time.Duration(atomic.LoadInt64(&state.Stats.ResponseTime)) * time.Millisecond,
				RequestsPerSecond: load.RequestsPerSecond,
				SuccessRate:       load.SuccessRate,
			})
		}
	}
	a.metrics.ObserveBackends(snapshots)
	a.metrics.LocalBuckets.Set(float64(a.limiter.Local().Len()))
}

func (a *App) refreshKeys() {
	a.mu.Lock()
	timeout := a.cfg.Auth.FetchTimeout * 2
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.trustStore.Refresh(ctx); err != nil {
		a.appLogger.Error("Ошибка обновления ключей доверенных издателей", zap.Error(err))
	}
}

func (a *App) watchConfig(configCh <-chan *config.Config) {
	for cfg := range configCh {
		a.appLogger.Info("Получена новая конфигурация", zap.Int("routes", len(cfg.Routes)))
		if err := a.reconfigure(cfg); err != nil {
			a.appLogger.Error("Ошибка при реконфигурации приложения", zap.Error(err))
		} else {
			a.appLogger.Info("Приложение успешно реконфигурировано")
		}
	}
}

// reconfigure подменяет маршруты, потребителей, балансировщики, доверенные прокси и издателей.
// Состояние лимитеров и подключение к Redis сохраняются.
func (a *App) reconfigure(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cfg == a.cfg {
		return nil
	}

	balancers, err := buildBalancers(cfg, a.appLogger)
	if err != nil {
		return err
	}

	proxies, err := request.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid server.trustedProxies: %w", err)
	}

	a.pipeline.SetRegistry(admission.RegistryFromConfig(cfg))
	a.proxy.SetBalancers(balancers)
	a.proxy.SetTrustedProxies(proxies)
	a.trustStore.SetIssuers(cfg.Auth.TrustedIssuers)
	a.trustStore.SetJWKSURLs(cfg.Auth.JWKSURLs)
	a.cfg = cfg

	go a.refreshKeys()
	return nil
}

func (a *App) Run() error {
	// Подписываемся на изменения конфигурации
	go a.watchConfig(a.configManager.Subscribe())
	a.appLogger.Info("Запущено отслеживание изменений конфигурации")

	a.refreshKeys()
	a.scheduler.Start()

	errCh := make(chan error, 2)
	go func() {
		if err := a.proxy.Start(a.port); err != nil {
			errCh <- fmt.Errorf("proxy: %w", err)
		}
	}()
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	a.appLogger.Info("Приложение запущено и готово к работе", zap.String("port", a.port))

	// Создаем канал для сигналов
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		a.appLogger.Info("Получен сигнал завершения работы", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		a.appLogger.Error("Сервер завершился с ошибкой", zap.Error(runErr))
	}

	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	a.mu.Lock()
	timeout := a.cfg.Server.ShutdownTimeout
	a.mu.Unlock()

	a.appLogger.Info("Начало graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.proxy.Stop(ctx); err != nil {
		a.appLogger.Error("Ошибка при остановке прокси", zap.Error(err))
	} else {
		a.appLogger.Info("Прокси успешно остановлен")
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.appLogger.Error("Ошибка при остановке сервера метрик", zap.Error(err))
		}
	}

	<-a.scheduler.Stop().Done()

	if err := a.configManager.Close(); err != nil {
		a.appLogger.Error("Ошибка при закрытии менеджера конфигурации", zap.Error(err))
	} else {
		a.appLogger.Info("Менеджер конфигурации успешно закрыт")
	}

	if err := a.redis.Close(); err != nil {
		a.appLogger.Error("Ошибка при закрытии подключения к Redis", zap.Error(err))
	}

	a.appLogger.Info("Приложение успешно завершило работу")
	_ = a.appLogger.Sync()
}

func Run(configPath, port string) error {
	app, err := NewApp(configPath, port)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	return app.Run()
}
