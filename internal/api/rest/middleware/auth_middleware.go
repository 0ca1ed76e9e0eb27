package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/Dhoini/travel-entitlements/pkg/res"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextIdentityKey = "identity"
	contextAccountKey  = "account"
	authHeaderPrefix   = "Bearer "
)

// TokenValidator проверяет токен сервиса аутентификации
type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims subject содержит id аккаунта
type TokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AccountLoader загружает снимок аккаунта по id из токена
type AccountLoader interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
}

// Authenticator определяет вызывающего. Запрос без токена считается анонимным,
// невалидный токен отклоняется с 401.
type Authenticator struct {
	validator TokenValidator
	accounts  AccountLoader
	log       *logger.Logger
}

func NewAuthenticator(validator TokenValidator, accounts AccountLoader, log *logger.Logger) *Authenticator {
	return &Authenticator{validator: validator, accounts: accounts, log: log}
}

// Identify кладёт в контекст identity и, если есть токен, снимок аккаунта
func (a *Authenticator) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := domain.Identity{IP: c.ClientIP()}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || a.validator == nil {
			c.Set(contextIdentityKey, identity)
			c.Next()
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, authHeaderPrefix))
		claims, err := a.validator.Validate(tokenString)
		if err != nil {
			a.abort(c, http.StatusUnauthorized, fmt.Sprintf("Token validation failed: %v", err))
			return
		}

		accountID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil || accountID <= 0 {
			a.abort(c, http.StatusUnauthorized, "Account id (sub) missing in token")
			return
		}

		account, err := a.accounts.GetAccount(c.Request.Context(), accountID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.abort(c, http.StatusUnauthorized, "Unknown account")
			return
		case err != nil:
			a.log.Errorw("Failed to load account for request", "accountID", accountID, "error", err)
			a.abort(c, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			return
		}

		identity.AccountID = &account.ID
		c.Set(contextIdentityKey, identity)
		c.Set(contextAccountKey, account)
		a.log.Debugw("Request authenticated", "accountID", accountID)
		c.Next()
	}
}

func (a *Authenticator) abort(c *gin.Context, status int, message string) {
	a.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "error", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{Error: message, ErrorCode: status}, status)
	c.Abort()
}

// Caller возвращает identity и аккаунт (nil для анонимов) из контекста.
// Без Identify identity строится по адресу клиента.
func Caller(c *gin.Context) (domain.Identity, *domain.Account) {
	identity, ok := c.Get(contextIdentityKey)
	if !ok {
		return domain.Identity{IP: c.ClientIP()}, nil
	}
	var account *domain.Account
	if v, ok := c.Get(contextAccountKey); ok {
		account, _ = v.(*domain.Account)
	}
	return identity.(domain.Identity), account
}

// HMACTokenValidator проверяет HS256 токены общим секретом
type HMACTokenValidator struct {
	Secret []byte
}

func (v *HMACTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.New("malformed token")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.New("token expired")
		default:
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}
