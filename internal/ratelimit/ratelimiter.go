package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Policy политика ограничения: скорость пополнения и емкость корзины
type Policy struct {
	RequestsPerSecond int
	BurstSize         int
}

// Valid проверяет, что оба параметра положительные
func (p Policy) Valid() bool {
	return p.RequestsPerSecond > 0 && p.BurstSize > 0
}

// Result результат одной проверки корзины
type Result struct {
	// Разрешен ли запрос
	Allowed bool

	// Целое число оставшихся токенов (0 при отказе)
	Remaining int64

	// Момент, после которого стоит повторить запрос.
	// Для разрешенного запроса совпадает с моментом проверки.
	ResetTime time.Time
}

// Limiter определяет интерфейс корзины токенов по ключу
type Limiter interface {
	// Check атомарно пополняет корзину ключа и пытается забрать один токен
	Check(ctx context.Context, key string, policy Policy) (Result, error)
}

// Key собирает ключ вида <namespace>:<routeId-or-consumerId>:<consumerId>
func Key(namespace, scopeID, consumerID string) string {
	var b strings.Builder
	b.Grow(len(namespace) + len(scopeID) + len(consumerID) + 2)
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(scopeID)
	b.WriteByte(':')
	b.WriteString(consumerID)
	return b.String()
}
