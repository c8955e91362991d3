package auth

import (
	"errors"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"

	"apigateway/internal/apperr"
)

// Principal потребитель, подтвержденный проверенным токеном.
// Живет только в пределах одного запроса.
type Principal struct {
	ConsumerID string
	Issuer     string
	Expiry     time.Time
}

// допустимые алгоритмы подписи
var allowedAlgorithms = map[string]struct{}{
	string(jose.RS256): {}, string(jose.RS384): {}, string(jose.RS512): {},
	string(jose.PS256): {}, string(jose.PS384): {}, string(jose.PS512): {},
	string(jose.ES256): {}, string(jose.ES384): {}, string(jose.ES512): {},
	string(jose.EdDSA): {},
}

// consumerClaims поля токена сверх зарегистрированных
type consumerClaims struct {
	AuthorizedParty string `json:"azp"`
}

// Authenticator проверяет подпись, издателя и срок действия токена
type Authenticator struct {
	store  *TrustStore
	leeway time.Duration
	now    func() time.Time
}

// AuthenticatorOption настройка Authenticator
type AuthenticatorOption func(*Authenticator)

// WithLeeway допуск на расхождение часов для exp/nbf/iat
func WithLeeway(d time.Duration) AuthenticatorOption {
	return func(a *Authenticator) { a.leeway = d }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) { a.now = now }
}

func NewAuthenticator(store *TrustStore, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		store:  store,
		leeway: jwt.DefaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate проверяет токен. Все отказы имеют вид KindUnauthenticated;
// недоверенный издатель дополнительно распознается через ErrUntrustedIssuer.
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, unauthenticated("missing bearer token", nil)
	}

	tok, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, unauthenticated("malformed token", err)
	}
	if len(tok.Headers) != 1 {
		return nil, unauthenticated("malformed token", errors.New("expected exactly one signature"))
	}
	header := tok.Headers[0]
	if _, ok := allowedAlgorithms[header.Algorithm]; !ok {
		return nil, unauthenticated("unsupported signing algorithm "+header.Algorithm, nil)
	}

	if !a.store.HasIssuers() {
		return nil, unauthenticated("no trusted issuers configured", apperr.ErrUntrustedIssuer)
	}

	// Издатель проверяется до подписи: ключи недоверенного издателя не ищем
	var unverified jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return nil, unauthenticated("malformed token claims", err)
	}
	if !a.store.IsTrusted(unverified.Issuer) {
		return nil, unauthenticated("untrusted issuer "+unverified.Issuer, apperr.ErrUntrustedIssuer)
	}

	claims, extra, err := a.verify(tok, header)
	if err != nil {
		return nil, err
	}

	if claims.Expiry == nil {
		return nil, unauthenticated("token has no expiry", nil)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Time: a.now()}, a.leeway); err != nil {
		return nil, unauthenticated("token is not valid at this time", err)
	}

	consumerID := extra.AuthorizedParty
	if consumerID == "" {
		consumerID = claims.Subject
	}
	if consumerID == "" {
		return nil, unauthenticated("token carries no consumer identity", nil)
	}

	return &Principal{
		ConsumerID: consumerID,
		Issuer:     claims.Issuer,
		Expiry:     claims.Expiry.Time(),
	}, nil
}

// verify перебирает ключи с kid из заголовка до первой успешной проверки подписи
func (a *Authenticator) verify(tok *jwt.JSONWebToken, header jose.Header) (jwt.Claims, consumerClaims, error) {
	var (
		claims jwt.Claims
		extra  consumerClaims
	)

	keys := a.store.Keys(header.KeyID)
	if len(keys) == 0 {
		return claims, extra, unauthenticated("no verification key for kid "+header.KeyID, nil)
	}

	var lastErr error
	for _, key := range keys {
		if key.Algorithm != "" && key.Algorithm != header.Algorithm {
			continue
		}
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		if err := tok.Claims(key.Key, &claims, &extra); err != nil {
			lastErr = err
			continue
		}
		return claims, extra, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no key matches token algorithm")
	}
	return claims, extra, unauthenticated("invalid token signature", lastErr)
}

func unauthenticated(msg string, err error) error {
	return apperr.New(apperr.KindUnauthenticated, msg, err)
}
