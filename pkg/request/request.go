package request

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Request представляет интерфейс для работы с запросом
type Request interface {
	// GetClientIP возвращает адрес клиента
	GetClientIP() string

	// GetBearerToken возвращает токен из Authorization или пустую строку
	GetBearerToken() string

	// GetResponseTime возвращает время ответа
	GetResponseTime() time.Duration

	// SetResponseTime устанавливает время ответа
	SetResponseTime(duration time.Duration)
}

// BaseRequest базовая реализация запроса
type BaseRequest struct {
	responseTime time.Duration
	clientIP     string
	token        string
}

// NewRequest создает новый запрос. Заголовки X-Forwarded-For и X-Real-IP
// учитываются только от доверенных прокси; nil proxies означает, что
// доверенных прокси нет.
func NewRequest(req *http.Request, proxies *TrustedProxies) *BaseRequest {
	return &BaseRequest{
		clientIP: proxies.ClientIP(req),
		token:    extractBearerToken(req),
	}
}

func (r *BaseRequest) GetClientIP() string {
	return r.clientIP
}

func (r *BaseRequest) GetBearerToken() string {
	return r.token
}

func (r *BaseRequest) GetResponseTime() time.Duration {
	return r.responseTime
}

func (r *BaseRequest) SetResponseTime(duration time.Duration) {
	r.responseTime = duration
}

// extractBearerToken достает токен из заголовка "Authorization: Bearer <token>".
// Схема сравнивается без учета регистра.
func extractBearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// TrustedProxies список сетей, которым разрешено передавать адрес клиента
// в заголовках
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies разбирает CIDR или одиночные адреса
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{prefixes: make([]netip.Prefix, 0, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			tp.prefixes = append(tp.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		addr = addr.Unmap()
		tp.prefixes = append(tp.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return tp, nil
}

// Contains true, если адрес принадлежит доверенной сети
func (tp *TrustedProxies) Contains(addr netip.Addr) bool {
	if tp == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP адрес клиента. От недоверенного соединения берется только
// RemoteAddr. Для доверенного прокси X-Forwarded-For читается справа
// налево до первого адреса вне доверенных сетей.
func (tp *TrustedProxies) ClientIP(req *http.Request) string {
	peer, ok := remoteAddr(req)
	if !ok {
		return req.RemoteAddr
	}
	if !tp.Contains(peer) {
		return peer.String()
	}

	if forwardedFor := req.Header.Values("X-Forwarded-For"); len(forwardedFor) > 0 {
		hops := strings.Split(strings.Join(forwardedFor, ","), ",")
		var leftmost netip.Addr
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// Неразборчивая цепочка: доверять левой части нельзя
				break
			}
			addr = addr.Unmap()
			if !tp.Contains(addr) {
				return addr.String()
			}
			leftmost = addr
		}
		if leftmost.IsValid() {
			return leftmost.String()
		}
	}

	if realIP := req.Header.Get("X-Real-IP"); realIP != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(realIP)); err == nil {
			return addr.Unmap().String()
		}
	}

	return peer.String()
}

func remoteAddr(req *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// StatusRecorder запоминает код ответа для журналирования
type StatusRecorder struct {
	http.ResponseWriter
	status int
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w}
}

func (w *StatusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Status код ответа; 200, если обработчик ничего не записал явно
func (w *StatusRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap дает http.ResponseController доступ к исходному writer
func (w *StatusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
