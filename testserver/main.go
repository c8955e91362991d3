package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"go.uber.org/zap"

	"apigateway/pkg/logger"
)

var (
	port    = flag.String("port", "8081", "порт для прослушивания")
	message = flag.String("message", "Hello from test server", "сообщение для ответа")
	issuer  = flag.String("issuer", "", "если задан, сервер выпускает токены от имени этого издателя")
)

// echoResponse ответ upstream с деталями проксированного запроса
type echoResponse struct {
	Message  string              `json:"message"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Consumer string              `json:"consumer,omitempty"`
	Headers  map[string][]string `json:"headers"`
	Body     string              `json:"body,omitempty"`
}

type server struct {
	log *logger.CustomZapLogger
	key *rsa.PrivateKey
	kid string
}

func main() {
	flag.Parse()

	log := logger.NewCustomZapLogger(&logger.LoggerConfig{
		LogLevel:    "debug",
		ServiceName: "testserver",
		Format:      "console",
	}).With(zap.String("port", *port))
	defer log.Sync()

	s := &server{log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.HandleFunc("/health", handleHealth)

	if *issuer != "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			log.Error("не удалось сгенерировать ключ", zap.Error(err))
			return
		}
		s.key = key
		s.kid = fmt.Sprintf("dev-%d", time.Now().Unix())
		mux.HandleFunc("/jwks", s.handleJWKS)
		mux.HandleFunc("/token", s.handleToken)
		log.Info("Включен режим издателя", zap.String("issuer", *issuer), zap.String("kid", s.kid))
	}

	addr := ":" + *port
	log.Info("Запуск тестового сервера", zap.String("addr", addr), zap.String("message", *message))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Сервер завершился с ошибкой", zap.Error(err))
	}
}

func (s *server) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error("ошибка чтения тела", zap.Error(err))
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	resp := echoResponse{
		Message:  *message,
		Method:   r.Method,
		Path:     r.URL.Path,
		Consumer: r.Header.Get("X-Consumer-Id"),
		Headers:  r.Header,
		Body:     string(body),
	}
	s.log.Debug("Входящий запрос",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("consumer", resp.Consumer))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("ошибка записи ответа", zap.Error(err))
	}
}

// handleJWKS публикует открытый ключ издателя
func (s *server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     s.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(set); err != nil {
		s.log.Error("ошибка записи JWKS", zap.Error(err))
	}
}

// handleToken выпускает токен: /token?consumer=company-a&ttl=5m
func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	consumer := r.URL.Query().Get("consumer")
	if consumer == "" {
		http.Error(w, "consumer is required", http.StatusBadRequest)
		return
	}
	ttl := 5 * time.Minute
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = d
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: s.key, KeyID: s.kid}},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		http.Error(w, "signer error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	token, err := jwt.Signed(signer).
		Claims(jwt.Claims{
			Issuer:   *issuer,
			Subject:  consumer,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		}).
		Claims(map[string]any{"azp": consumer}).
		CompactSerialize()
	if err != nil {
		http.Error(w, "sign error", http.StatusInternalServerError)
		return
	}

	s.log.Info("Выпущен токен", zap.String("consumer", consumer), zap.Duration("ttl", ttl))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, token)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status": "ok"}`)
}
