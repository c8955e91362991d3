// Package authtest выпускает подписанные токены для тестов.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

// Issuer тестовый издатель с RSA ключом
type Issuer struct {
	Name  string
	KeyID string
	key   *rsa.PrivateKey
}

// TokenClaims содержимое выпускаемого токена.
// Нулевые Expiry и IssuedAt заменяются значениями относительно Now.
type TokenClaims struct {
	Issuer          string
	Subject         string
	AuthorizedParty string
	Now             time.Time
	Expiry          time.Time
	NotBefore       time.Time
	NoExpiry        bool
}

// NewIssuer генерирует ключ издателя
func NewIssuer(tb testing.TB, name, keyID string) *Issuer {
	tb.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generate rsa key: %v", err)
	}
	return &Issuer{Name: name, KeyID: keyID, key: key}
}

// PublicKeys публичный ключ в формате JWK
func (i *Issuer) PublicKeys() []jose.JSONWebKey {
	return []jose.JSONWebKey{{
		Key:       &i.key.PublicKey,
		KeyID:     i.KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}
}

// JWKS набор ключей для отдачи из тестового сервера
func (i *Issuer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: i.PublicKeys()}
}

// Token подписывает токен ключом издателя
func (i *Issuer) Token(tb testing.TB, c TokenClaims) string {
	tb.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: i.key, KeyID: i.KeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		tb.Fatalf("new signer: %v", err)
	}

	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	iss := c.Issuer
	if iss == "" {
		iss = i.Name
	}

	claims := jwt.Claims{
		Issuer:   iss,
		Subject:  c.Subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if !c.NoExpiry {
		exp := c.Expiry
		if exp.IsZero() {
			exp = now.Add(5 * time.Minute)
		}
		claims.Expiry = jwt.NewNumericDate(exp)
	}
	if !c.NotBefore.IsZero() {
		claims.NotBefore = jwt.NewNumericDate(c.NotBefore)
	}

	extra := map[string]interface{}{}
	if c.AuthorizedParty != "" {
		extra["azp"] = c.AuthorizedParty
	}

	token, err := jwt.Signed(signer).Claims(claims).Claims(extra).CompactSerialize()
	if err != nil {
		tb.Fatalf("sign token: %v", err)
	}
	return token
}
