// Package webhook проверяет подлинность входящих вебхуков и нормализует их payload.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"sort"
	"strings"

	"github.com/Dhoini/travel-entitlements/config"
	"github.com/Dhoini/travel-entitlements/internal/domain"
)

// Verifier проверяет доставку по сырому телу запроса и заголовку с подписью или токеном.
// Проверка всегда идёт по исходным байтам, а не по пересериализованному JSON.
type Verifier interface {
	Verify(rawBody []byte, credential string) error
	Header() string
}

// HMACVerifier сверяет hex-подпись HMAC над телом запроса
type HMACVerifier struct {
	provider string
	header   string
	secret   []byte
	algo     string
	newHash  func() hash.Hash
}

// NewHMACVerifier создает верификатор HMAC. algorithm: sha256 (по умолчанию) или sha1.
func NewHMACVerifier(provider, header, secret, algorithm string) (*HMACVerifier, error) {
	v := &HMACVerifier{provider: provider, header: header, secret: []byte(secret)}
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		v.algo, v.newHash = "sha256", sha256.New
	case "sha1":
		v.algo, v.newHash = "sha1", sha1.New
	default:
		return nil, fmt.Errorf("webhook: unsupported hmac algorithm %q", algorithm)
	}
	return v, nil
}

func (v *HMACVerifier) Header() string { return v.header }

// Verify принимает подпись вида "<hex>" или "sha256=<hex>"
func (v *HMACVerifier) Verify(rawBody []byte, credential string) error {
	if len(v.secret) == 0 {
		return domain.NewAuthenticationError(v.provider, "secret not configured")
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.NewAuthenticationError(v.provider, "missing signature")
	}
	credential = strings.TrimPrefix(credential, v.algo+"=")

	supplied, err := hex.DecodeString(credential)
	if err != nil {
		return domain.NewAuthenticationError(v.provider, "malformed signature")
	}

	mac := hmac.New(v.newHash, v.secret)
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), supplied) {
		return domain.NewAuthenticationError(v.provider, "signature mismatch")
	}
	return nil
}

// Sign считает подпись тела. Нужен для тестов и локальной отладки интеграций.
func (v *HMACVerifier) Sign(rawBody []byte) string {
	mac := hmac.New(v.newHash, v.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// TokenVerifier сверяет статический токен из заголовка
type TokenVerifier struct {
	provider string
	header   string
	token    []byte
}

// NewTokenVerifier создает верификатор статического токена
func NewTokenVerifier(provider, header, token string) *TokenVerifier {
	return &TokenVerifier{provider: provider, header: header, token: []byte(token)}
}

func (v *TokenVerifier) Header() string { return v.header }

// Verify сравнивает хэши токенов, чтобы время сравнения не зависело от длины
func (v *TokenVerifier) Verify(_ []byte, credential string) error {
	if len(v.token) == 0 {
		return domain.NewAuthenticationError(v.provider, "token not configured")
	}
	if credential == "" {
		return domain.NewAuthenticationError(v.provider, "missing token")
	}
	want := sha256.Sum256(v.token)
	got := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return domain.NewAuthenticationError(v.provider, "token mismatch")
	}
	return nil
}

// Registry верификаторы по имени провайдера
type Registry struct {
	verifiers map[string]Verifier
}

// NewRegistry строит реестр из конфигурации провайдеров
func NewRegistry(providers map[string]config.WebhookProviderConfig) (*Registry, error) {
	r := &Registry{verifiers: make(map[string]Verifier, len(providers))}
	for name, p := range providers {
		switch p.Mode {
		case config.ModeHMAC:
			v, err := NewHMACVerifier(name, p.Header, p.Secret, p.Algorithm)
			if err != nil {
				return nil, err
			}
			r.verifiers[name] = v
		case config.ModeToken:
			r.verifiers[name] = NewTokenVerifier(name, p.Header, p.Secret)
		default:
			return nil, fmt.Errorf("webhook: provider %s has unsupported mode %q", name, p.Mode)
		}
	}
	return r, nil
}

// Register добавляет или заменяет верификатор провайдера
func (r *Registry) Register(provider string, v Verifier) {
	r.verifiers[provider] = v
}

// Providers имена настроенных провайдеров
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.verifiers))
	for name := range r.verifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify находит верификатор провайдера и проверяет доставку.
// Неизвестный провайдер тоже считается ошибкой аутентификации.
func (r *Registry) Verify(provider string, rawBody []byte, headers http.Header) error {
	v, ok := r.verifiers[provider]
	if !ok {
		return fmt.Errorf("%w: %w", domain.ErrUnknownProvider, domain.NewAuthenticationError(provider, "provider not configured"))
	}
	return v.Verify(rawBody, headers.Get(v.Header()))
}
