package apperr

import (
	"errors"
	"net/http"
)

// Kind вид ошибки допуска запроса
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindForbidden
	KindRateLimited
	KindStoreUnavailable
	KindRouteNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindRouteNotFound:
		return "route_not_found"
	default:
		return "unknown"
	}
}

// Error типизированная ошибка с видом и причиной
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var (
	// ErrUntrustedIssuer издатель токена отсутствует в списке доверенных
	ErrUntrustedIssuer = errors.New("untrusted issuer")

	// ErrStoreUnavailable общее хранилище недоступно или не ответило вовремя
	ErrStoreUnavailable = errors.New("store unavailable")
)

// New создает ошибку указанного вида
func New(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf возвращает вид ошибки или KindUnknown
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return KindStoreUnavailable
	}
	return KindUnknown
}

// StatusCode HTTP статус для вида ошибки.
// KindStoreUnavailable наружу не отдается, но на всякий случай отображается в 500.
func StatusCode(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindRouteNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
