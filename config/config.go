package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"apigateway/pkg/request"
)

// Config основная конфигурация шлюза
type Config struct {
	// Адреса и таймауты HTTP серверов
	Server ServerConfig `yaml:"server"`

	// Общее хранилище корзин
	Redis RedisConfig `yaml:"redis"`

	// Настройки ограничения частоты запросов
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// Доверенные издатели токенов
	Auth AuthConfig `yaml:"auth"`

	// Маршруты, опубликованные панелью управления
	Routes []RouteConfig `yaml:"routes"`

	// Потребители API
	Consumers []ConsumerConfig `yaml:"consumers,omitempty"`

	// Настройки логгера
	Logger *LoggerConfig `yaml:"logger"`
}

// ServerConfig настройки HTTP серверов
type ServerConfig struct {
	// Адрес прокси, например ":8080"
	Port string `yaml:"port"`

	// Адрес для /metrics; пустой отключает отдельный листенер
	MetricsPort string `yaml:"metricsPort,omitempty"`

	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// CIDR или адреса прокси, от которых принимаются X-Forwarded-For и X-Real-IP.
	// От остальных соединений адрес клиента берется из RemoteAddr.
	TrustedProxies []string `yaml:"trustedProxies,omitempty"`

	// Расписание выгрузки статистики бэкендов в метрики (cron)
	StatsSchedule string `yaml:"statsSchedule"`
}

// RedisConfig подключение к общему хранилищу.
// Изменения применяются только после перезапуска.
type RedisConfig struct {
	// Один адрес для standalone, несколько для cluster
	Addrs []string `yaml:"addrs"`

	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	PoolSize     int           `yaml:"poolSize"`
	MinIdleConns int           `yaml:"minIdleConns"`
}

// RateLimitConfig настройки лимитов
type RateLimitConfig struct {
	// Использовать локальную корзину при недоступности хранилища.
	// По умолчанию true; false пропускает запросы без ограничения.
	FallbackEnabled *bool `yaml:"fallbackEnabled,omitempty"`

	// Коэффициент уменьшения политики для локальной корзины, (0,1]
	FallbackReduction float64 `yaml:"fallbackReduction"`

	// Локальные корзины без обращений дольше этого времени удаляются.
	// По умолчанию 300; 0 отключает очистку.
	LocalBucketTTLSeconds *int `yaml:"localBucketTtlSeconds,omitempty"`

	// Пространство имен ключей в хранилище
	RateLimitKeyPrefix string `yaml:"rateLimitKeyPrefix"`

	// Ограничение времени одного вызова хранилища
	StoreTimeout time.Duration `yaml:"storeTimeout"`

	// Количество шардов локальной карты корзин
	LocalShards int `yaml:"localShards"`

	// Расписание очистки локальных корзин (cron)
	SweepSchedule string `yaml:"sweepSchedule"`
}

// IsFallbackEnabled true, если локальная корзина не отключена явно
func (r RateLimitConfig) IsFallbackEnabled() bool {
	return r.FallbackEnabled == nil || *r.FallbackEnabled
}

// LocalBucketTTL время жизни неактивной локальной корзины; 0 - без очистки
func (r RateLimitConfig) LocalBucketTTL() time.Duration {
	if r.LocalBucketTTLSeconds == nil {
		return 0
	}
	return time.Duration(*r.LocalBucketTTLSeconds) * time.Second
}

// AuthConfig доверенные издатели и источники ключей
type AuthConfig struct {
	// Точные значения iss; пустой список отклоняет все токены
	TrustedIssuers []string `yaml:"trustedIssuers"`

	// Адреса JWKS
	JWKSURLs []string `yaml:"jwksUrls"`

	// Расписание обновления ключей (cron)
	RefreshSchedule string `yaml:"refreshSchedule"`

	// Таймаут загрузки одного JWKS
	FetchTimeout time.Duration `yaml:"fetchTimeout"`

	// Допуск на расхождение часов
	Leeway time.Duration `yaml:"leeway"`
}

// PolicyConfig политика корзины токенов
type PolicyConfig struct {
	RequestsPerSecond int `yaml:"requestsPerSecond"`
	BurstSize         int `yaml:"burstSize"`
}

// RouteConfig маршрут шлюза
type RouteConfig struct {
	ID         string `yaml:"id"`
	PathPrefix string `yaml:"pathPrefix"`

	// Отрезать префикс перед отправкой в upstream
	StripPrefix bool `yaml:"stripPrefix,omitempty"`

	AuthRequired bool `yaml:"authRequired"`

	// Отсутствие ключа означает, что белого списка нет
	AllowedConsumers []string `yaml:"allowedConsumers,omitempty"`

	RateLimit *PolicyConfig `yaml:"rateLimit,omitempty"`

	// Стратегия балансировки нагрузки
	LoadBalancer LoadBalancerConfig `yaml:"loadBalancer"`

	// Список бэкендов
	Backends []BackendConfig `yaml:"backends"`
}

// ConsumerConfig потребитель API
type ConsumerConfig struct {
	ID string `yaml:"id"`

	// По умолчанию true
	Enabled *bool `yaml:"enabled,omitempty"`

	RateLimit *PolicyConfig `yaml:"rateLimit,omitempty"`
}

// IsEnabled true, если потребитель не отключен явно
func (c ConsumerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadBalancerConfig конфигурация балансировщика
type LoadBalancerConfig struct {
	// Метод балансировки: RoundRobin, WeightedRoundRobin, LeastConnections
	Method string `yaml:"method"`
}

// BackendConfig конфигурация бэкенда
type BackendConfig struct {
	// ID бэкенда
	ID string `yaml:"id"`

	// URL бэкенда
	URL string `yaml:"url"`

	// Вес бэкенда (для weighted методов)
	Weight *float64 `yaml:"weight,omitempty"`

	// Таймаут подключения
	ConnectTimeout time.Duration `yaml:"connectTimeout"`

	// Таймаут ожидания заголовков ответа
	ReadTimeout time.Duration `yaml:"readTimeout"`

	// Максимальное количество соединений
	MaxConnections int `yaml:"maxConnections"`
}

// LoggerConfig конфигурация логгера
type LoggerConfig struct {
	// Уровень логирования: debug, info, warn, error, fatal
	LogLevel string `yaml:"logLevel"`

	// IP узла
	NodeIP string `yaml:"nodeIP"`

	// IP пода (для Kubernetes)
	PodIP string `yaml:"podIP"`

	// Имя сервиса
	ServiceName string `yaml:"serviceName"`

	// Формат вывода: json или console
	Format string `yaml:"format"`
}

// LoadFromFile загружает конфигурацию из YAML файла
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML, подставляет значения по умолчанию и проверяет результат
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.StatsSchedule == "" {
		c.Server.StatsSchedule = "@every 15s"
	}

	if len(c.Redis.Addrs) == 0 {
		c.Redis.Addrs = []string{"localhost:6379"}
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = time.Second
	}

	rl := &c.RateLimit
	if rl.FallbackReduction == 0 {
		rl.FallbackReduction = 0.5
	}
	if rl.FallbackEnabled == nil {
		enabled := true
		rl.FallbackEnabled = &enabled
	}
	if rl.LocalBucketTTLSeconds == nil {
		ttl := 300
		rl.LocalBucketTTLSeconds = &ttl
	}
	if rl.RateLimitKeyPrefix == "" {
		rl.RateLimitKeyPrefix = "rate_limit"
	}
	if rl.StoreTimeout == 0 {
		rl.StoreTimeout = 100 * time.Millisecond
	}
	if rl.LocalShards == 0 {
		rl.LocalShards = 32
	}
	if rl.SweepSchedule == "" {
		rl.SweepSchedule = "@every 1m"
	}

	if c.Auth.RefreshSchedule == "" {
		c.Auth.RefreshSchedule = "@every 5m"
	}
	if c.Auth.FetchTimeout == 0 {
		c.Auth.FetchTimeout = 5 * time.Second
	}
	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = 30 * time.Second
	}

	for i := range c.Routes {
		if c.Routes[i].LoadBalancer.Method == "" {
			c.Routes[i].LoadBalancer.Method = "RoundRobin"
		}
	}

	if c.Logger != nil && c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
}

// validate проверяет корректность конфигурации
func (c *Config) validate() error {
	rl := c.RateLimit
	if rl.FallbackReduction <= 0 || rl.FallbackReduction > 1 {
		return fmt.Errorf("fallbackReduction must be in (0,1], got %v", rl.FallbackReduction)
	}
	if rl.LocalBucketTTLSeconds != nil && *rl.LocalBucketTTLSeconds < 0 {
		return fmt.Errorf("localBucketTtlSeconds must not be negative")
	}
	if strings.Contains(rl.RateLimitKeyPrefix, ":") {
		return fmt.Errorf("rateLimitKeyPrefix must not contain ':'")
	}
	if rl.StoreTimeout < 0 {
		return fmt.Errorf("storeTimeout must not be negative")
	}
	if rl.LocalShards < 0 {
		return fmt.Errorf("localShards must not be negative")
	}

	if _, err := request.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}

	for _, iss := range c.Auth.TrustedIssuers {
		if iss == "" {
			return fmt.Errorf("trusted issuer must not be empty")
		}
	}

	// Проверяем наличие маршрутов
	if len(c.Routes) == 0 {
		return fmt.Errorf("no routes configured")
	}

	// Маршруты и потребители делят пространство ключей
	ids := make(map[string]string)
	prefixes := make(map[string]string)

	for _, r := range c.Routes {
		if err := r.validate(); err != nil {
			return fmt.Errorf("route %q: %w", r.ID, err)
		}
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("duplicate route id: %s", r.ID)
		}
		if other, dup := prefixes[r.PathPrefix]; dup {
			return fmt.Errorf("routes %s and %s share pathPrefix %s", other, r.ID, r.PathPrefix)
		}
		ids[r.ID] = "route"
		prefixes[r.PathPrefix] = r.ID
	}

	for _, cons := range c.Consumers {
		if cons.ID == "" {
			return fmt.Errorf("consumer ID is required")
		}
		if strings.Contains(cons.ID, ":") {
			return fmt.Errorf("consumer %q: id must not contain ':'", cons.ID)
		}
		if kind, dup := ids[cons.ID]; dup {
			return fmt.Errorf("consumer id %s collides with %s id", cons.ID, kind)
		}
		ids[cons.ID] = "consumer"
		if err := cons.RateLimit.validate(); err != nil {
			return fmt.Errorf("consumer %q: %w", cons.ID, err)
		}
	}

	// Проверяем конфигурацию логгера
	if c.Logger == nil {
		return fmt.Errorf("logger configuration is required")
	}

	switch c.Logger.LogLevel {
	case "debug", "info", "warn", "error", "fatal":
		// OK
	default:
		return fmt.Errorf("unsupported log level: %s", c.Logger.LogLevel)
	}

	switch c.Logger.Format {
	case "json", "console":
		// OK
	default:
		return fmt.Errorf("unsupported log format: %s", c.Logger.Format)
	}

	if c.Logger.ServiceName == "" {
		return fmt.Errorf("logger service name is required")
	}

	return nil
}

func (r RouteConfig) validate() error {
	if r.ID == "" {
		return fmt.Errorf("route ID is required")
	}
	if strings.Contains(r.ID, ":") {
		return fmt.Errorf("route id must not contain ':'")
	}
	if !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("pathPrefix must start with '/'")
	}
	if err := r.RateLimit.validate(); err != nil {
		return err
	}

	// Проверяем метод балансировки
	switch r.LoadBalancer.Method {
	case "RoundRobin", "WeightedRoundRobin", "LeastConnections":
		// OK
	default:
		return fmt.Errorf("unsupported load balancing method: %s", r.LoadBalancer.Method)
	}

	// Проверяем наличие бэкендов
	if len(r.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}

	// Проверяем конфигурацию бэкендов
	for _, b := range r.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend ID is required")
		}
		if b.URL == "" {
			return fmt.Errorf("backend URL is required")
		}
		if b.Weight != nil && *b.Weight <= 0 {
			return fmt.Errorf("backend weight must be positive")
		}
	}
	return nil
}

func (p *PolicyConfig) validate() error {
	if p == nil {
		return nil
	}
	if p.RequestsPerSecond <= 0 {
		return fmt.Errorf("requestsPerSecond must be positive")
	}
	if p.BurstSize < 1 {
		return fmt.Errorf("burstSize must be at least 1")
	}
	return nil
}
