// filename: internal/adminapi/server/auth.go
package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/autoops/autoops/internal/adminapi/routes"
	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
)

// TokenAuth проверяет Bearer токены по bcrypt хэшам из конфигурации // v1.0
type TokenAuth struct {
	tokens []config.APIToken
	logger *logging.Logger

	// sha256 уже проверенных токенов -> пользователь
	mu    sync.RWMutex
	known map[string]string
}

// NewTokenAuth создает проверку токенов // v1.0
func NewTokenAuth(cfg config.AuthConfig, logger *logging.Logger) *TokenAuth {
	return &TokenAuth{
		tokens: cfg.Tokens,
		logger: logger,
		known:  make(map[string]string),
	}
}

// Authenticate возвращает пользователя токена // v1.0
func (a *TokenAuth) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])

	a.mu.RLock()
	user, ok := a.known[key]
	a.mu.RUnlock()
	if ok {
		return user, true
	}

	for _, t := range a.tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(token)) == nil {
			a.mu.Lock()
			a.known[key] = t.User
			a.mu.Unlock()
			return t.User, true
		}
	}
	return "", false
}

// Middleware отклоняет запросы без действующего токена // v1.0
func (a *TokenAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.GetHeader("X-API-Token")
		}

		user, ok := a.Authenticate(token)
		if !ok {
			a.logger.WithRequest(c.Request.Method, c.Request.URL.Path, c.ClientIP()).Warn("Rejected unauthenticated request")
			err := errors.UnauthorizedError("")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(err.Code),
				"message": err.Error(),
			})
			return
		}
		c.Set(routes.UserKey, user)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// HashToken возвращает bcrypt хэш токена для конфигурации // v1.0
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
