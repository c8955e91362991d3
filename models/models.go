package models

// Rejection тело ответа при отказе в допуске
type Rejection struct {
	Error   string `json:"error"`   // Вид отказа: unauthenticated, forbidden, rate_limited, route_not_found
	Message string `json:"message"` // Пояснение для клиента

	Remaining *int64 `json:"remaining,omitempty"` // Остаток токенов (только для rate_limited)
	Reset     *int64 `json:"reset,omitempty"`     // Момент сброса, unix секунды (только для rate_limited)
}

// Health ответ /healthz
type Health struct {
	Status   string `json:"status"`   // ok или degraded
	Degraded bool   `json:"degraded"` // true, пока используется локальный лимитер
}
