// filename: internal/adminapi/server/server.go
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/autoops/autoops/internal/adminapi/routes"
	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/logging"
	commontls "github.com/autoops/autoops/internal/common/tls"
)

// RequestIDHeader заголовок идентификатора запроса
const RequestIDHeader = "X-Request-ID"

// Server представляет HTTP сервер Admin API // v1.0
type Server struct {
	config   config.ServerConfig
	tls      config.TLSConfig
	logger   *logging.Logger
	router   *gin.Engine
	server   *http.Server
	handlers Handlers
}

// Handlers обработчики маршрутов; Configs и Notifications необязательны
type Handlers struct {
	Health        *routes.HealthHandler
	Rules         *routes.RulesHandler
	Executions    *routes.ExecutionsHandler
	Templates     *routes.TemplatesHandler
	Configs       *routes.ConfigsHandler
	Notifications *routes.NotificationsHandler
}

// Options параметры сервера
type Options struct {
	Server config.ServerConfig
	TLS    config.TLSConfig
	Auth   config.AuthConfig
	Debug  bool
}

// NewServer создает новый HTTP сервер // v1.0
func NewServer(opts Options, handlers Handlers, logger *logging.Logger) *Server {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())

	s := &Server{
		config:   opts.Server,
		tls:      opts.TLS,
		logger:   logger,
		router:   router,
		handlers: handlers,
	}

	var auth gin.HandlerFunc
	if opts.Auth.Enabled {
		auth = NewTokenAuth(opts.Auth, logger).Middleware()
	}
	s.setupRoutes(auth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Server.Host, opts.Server.Port),
		Handler:      router,
		ReadTimeout:  opts.Server.ReadTimeout,
		WriteTimeout: opts.Server.WriteTimeout,
		IdleTimeout:  opts.Server.IdleTimeout,
	}
	return s
}

// setupRoutes настраивает роуты API; health доступен без токена // v1.0
func (s *Server) setupRoutes(auth gin.HandlerFunc) {
	h := s.handlers
	v1 := s.router.Group("/api/v1")

	if h.Health != nil {
		v1.GET("/health", h.Health.HealthCheck)
		v1.GET("/health/ready", h.Health.ReadinessCheck)
		v1.GET("/health/live", h.Health.LivenessCheck)
	}

	api := v1.Group("")
	if auth != nil {
		api.Use(auth)
	}

	if h.Health != nil {
		api.GET("/status", h.Health.Status)
	}

	if h.Rules != nil {
		rules := api.Group("/rules")
		rules.GET("", h.Rules.GetRules)
		rules.POST("", h.Rules.CreateRule)
		rules.POST("/validate", h.Rules.ValidateRule)
		rules.GET("/:id", h.Rules.GetRuleByID)
		rules.PUT("/:id", h.Rules.UpdateRule)
		rules.DELETE("/:id", h.Rules.DeleteRule)
		rules.POST("/:id/enable", h.Rules.EnableRule)
		rules.POST("/:id/disable", h.Rules.DisableRule)
		rules.POST("/:id/trigger", h.Rules.TriggerRule)
		rules.GET("/:id/stats", h.Rules.GetRuleStats)
		rules.GET("/:id/export", h.Rules.ExportRule)
	}

	if h.Executions != nil {
		execs := api.Group("/executions")
		execs.GET("", h.Executions.GetExecutions)
		execs.GET("/stats", h.Executions.GetStats)
		execs.GET("/:id", h.Executions.GetExecutionByID)
		execs.POST("/:id/cancel", h.Executions.CancelExecution)
		execs.POST("/:id/rollback", h.Executions.RollbackExecution)
		execs.POST("/:id/approve", h.Executions.ApproveExecution)
		execs.POST("/:id/reject", h.Executions.RejectExecution)
	}

	if h.Templates != nil {
		tpls := api.Group("/templates")
		tpls.GET("", h.Templates.GetTemplates)
		tpls.POST("", h.Templates.CreateTemplate)
		tpls.POST("/:id/instantiate", h.Templates.InstantiateTemplate)
	}

	if h.Configs != nil {
		configs := api.Group("/configs")
		configs.GET("", h.Configs.GetFiles)
		configs.POST("", h.Configs.RegisterFile)
		configs.GET("/:id", h.Configs.GetFile)
		configs.POST("/:id/lock", h.Configs.LockFile)
		configs.POST("/:id/unlock", h.Configs.UnlockFile)
		configs.GET("/:id/changes", h.Configs.GetChanges)
		configs.POST("/:id/changes", h.Configs.ProposeChange)

		changes := api.Group("/changes")
		changes.GET("/:id", h.Configs.GetChange)
		changes.POST("/:id/approve", h.Configs.ApproveChange)
		changes.POST("/:id/reject", h.Configs.RejectChange)
		changes.POST("/:id/apply", h.Configs.ApplyChange)

		compliance := api.Group("/compliance")
		compliance.GET("/rules", h.Configs.GetComplianceRules)
		compliance.POST("/rules", h.Configs.CreateComplianceRule)
		compliance.DELETE("/rules/:id", h.Configs.DeleteComplianceRule)
		compliance.POST("/scan", h.Configs.Scan)
		compliance.GET("/violations", h.Configs.GetViolations)
	}

	if h.Notifications != nil {
		notifications := api.Group("/notifications")
		notifications.GET("/stats", h.Notifications.GetStats)
		notifications.POST("/test", h.Notifications.SendTest)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "NOT_FOUND",
			"message": fmt.Sprintf("Method %s %s not found", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// Start запускает HTTP сервер и блокируется до его остановки // v1.0
func (s *Server) Start() error {
	tlsConfig, err := commontls.ServerConfig(s.tls)
	if err != nil {
		return fmt.Errorf("failed to configure TLS: %w", err)
	}
	s.server.TLSConfig = tlsConfig

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve обслуживает готовый listener; TLS включается, если задан TLSConfig // v1.0
func (s *Server) Serve(ln net.Listener) error {
	useTLS := s.server.TLSConfig != nil
	s.logger.WithField("addr", ln.Addr().String()).WithField("tls", useTLS).Info("Starting Admin API server")

	var err error
	if useTLS {
		err = s.server.ServeTLS(ln, "", "")
	} else {
		err = s.server.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop останавливает HTTP сервер // v1.0
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Admin API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// GetRouter возвращает роутер для тестирования // v1.0
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// requestIDMiddleware присваивает идентификатор запросу // v1.0
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// loggingMiddleware добавляет логирование запросов // v1.0
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		entry := logger.WithRequest(c.Request.Method, c.Request.URL.Path, c.ClientIP()).
			WithField("status", c.Writer.Status()).
			WithField("latency", time.Since(started).String()).
			WithField("request_id", c.GetString("request_id"))
		if user := c.GetString(routes.UserKey); user != "" {
			entry = entry.WithField("user", user)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP request")
			return
		}
		entry.Debug("HTTP request")
	}
}

// corsMiddleware добавляет CORS заголовки // v1.0
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Token, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
