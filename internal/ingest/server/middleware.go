// filename: internal/ingest/server/middleware.go
package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RateLimitInfo информация о rate limit для агента // v1.0
type RateLimitInfo struct {
	Count      int
	LastReset  time.Time
	Blocked    bool
	BlockUntil time.Time
}

// rateLimiter ограничивает число запросов агента в минуту
type rateLimiter struct {
	perMinute int
	block     time.Duration
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*RateLimitInfo
}

func newRateLimiter(perMinute int, block time.Duration) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		block:     block,
		now:       time.Now,
		clients:   make(map[string]*RateLimitInfo),
	}
}

// allow учитывает запрос; при отказе возвращает время до разблокировки // v1.0
func (l *rateLimiter) allow(key string) (bool, int, time.Duration) {
	if l.perMinute <= 0 {
		return true, 0, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.clients[key]
	if !ok {
		info = &RateLimitInfo{LastReset: now}
		l.clients[key] = info
	}

	if info.Blocked && now.Before(info.BlockUntil) {
		return false, 0, info.BlockUntil.Sub(now)
	}
	if now.Sub(info.LastReset) >= time.Minute {
		info.Count = 0
		info.LastReset = now
		info.Blocked = false
	}

	if info.Count >= l.perMinute {
		wait := info.LastReset.Add(time.Minute).Sub(now)
		if l.block > 0 {
			info.Blocked = true
			info.BlockUntil = now.Add(l.block)
			wait = l.block
		}
		return false, 0, wait
	}

	info.Count++
	return true, l.perMinute - info.Count, 0
}

// rateLimitMiddleware ограничивает запросы по X-Agent-Id // v1.0
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, remaining, retry := s.limiter.allow(c.GetString("agent_id"))
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%d", int(retry.Seconds()+0.5)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMIT",
				"message":     "Rate limit exceeded",
				"retry_after": retry.Seconds(),
			})
			return
		}
		if s.limiter.perMinute > 0 {
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", s.limiter.perMinute))
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		}
		c.Next()
	}
}

// bodySizeMiddleware ограничивает размер тела запроса // v1.0
func (s *Server) bodySizeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := s.maxBody()
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":       "BODY_TOO_LARGE",
				"max_size":    limit,
				"actual_size": c.Request.ContentLength,
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// requestIDMiddleware добавляет request ID // v1.0
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// agentValidationMiddleware проверяет обязательные заголовки // v1.0
func (s *Server) agentValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.GetHeader("X-Agent-Id")
		if agentID == "" {
			if cn := c.GetString("client_cn"); cn != "" {
				agentID = cn
			}
		}
		if agentID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "MISSING_AGENT_ID",
				"message": "Missing required header: X-Agent-Id",
			})
			return
		}
		c.Set("agent_id", agentID)
		c.Next()
	}
}

// mTLSMiddleware требует клиентский сертификат // v1.0
func (s *Server) mTLSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.TLS == nil || len(c.Request.TLS.PeerCertificates) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "CLIENT_CERT_REQUIRED",
				"message": "Client certificate required",
			})
			return
		}
		clientCert := c.Request.TLS.PeerCertificates[0]
		c.Set("client_cn", clientCert.Subject.CommonName)
		c.Next()
	}
}

// loggingMiddleware добавляет логирование запросов // v1.0
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.WithRequest(c.Request.Method, c.Request.URL.Path, c.ClientIP()).
			WithField("status", c.Writer.Status()).
			WithField("latency", time.Since(start).String()).
			WithField("request_id", c.GetString("request_id")).
			WithField("agent_id", c.GetString("agent_id")).
			Debug("HTTP request")
	}
}

// recoveryMiddleware восстанавливает после паники // v1.0
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		requestID := c.GetString("request_id")
		s.logger.WithFields(map[string]interface{}{
			"error":      recovered,
			"request_id": requestID,
			"agent_id":   c.GetString("agent_id"),
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
		}).Error("Panic recovered")

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "INTERNAL_ERROR",
			"request_id": requestID,
		})
	})
}
