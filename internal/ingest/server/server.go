// filename: internal/ingest/server/server.go
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"

	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/common/nats"
	commontls "github.com/autoops/autoops/internal/common/tls"
	"github.com/autoops/autoops/internal/models"
)

// maxReportedErrors сколько ошибок разбора возвращается агенту
const maxReportedErrors = 10

// Publisher публикация в шину
type Publisher interface {
	Publish(subject string, v interface{}) error
}

// Server представляет сервер приема телеметрии
type Server struct {
	config    config.IngestConfig
	tls       config.TLSConfig
	publisher Publisher
	logger    *logging.Logger
	limiter   *rateLimiter
	http      *http.Server

	received  atomic.Int64
	rejected  atomic.Int64
	published atomic.Int64
	events    atomic.Int64
}

// IngestResponse представляет ответ на прием
type IngestResponse struct {
	OK       bool     `json:"ok"`
	Received int      `json:"received"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// NewServer создает новый сервер приема // v1.0
func NewServer(cfg *config.Config, publisher Publisher, logger *logging.Logger) *Server {
	s := &Server{
		config:    cfg.Ingest,
		tls:       cfg.TLS,
		publisher: publisher,
		logger:    logger,
		limiter:   newRateLimiter(cfg.Ingest.RateLimitPerMinute, cfg.Ingest.BlockDuration),
	}
	s.http = &http.Server{
		Addr:              cfg.GetIngestAddr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router возвращает HTTP роутер // v1.0
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(s.recoveryMiddleware())
	router.Use(s.requestIDMiddleware())
	router.Use(s.loggingMiddleware())

	v1 := router.Group("/api/v1")
	v1.GET("/health", s.healthHandler)

	agents := v1.Group("")
	if s.tls.Enabled && s.config.RequireClientCert {
		agents.Use(s.mTLSMiddleware())
	}
	agents.Use(s.agentValidationMiddleware())
	agents.Use(s.rateLimitMiddleware())
	agents.Use(s.bodySizeMiddleware())
	agents.POST("/telemetry", s.telemetryHandler)
	agents.POST("/events", s.eventsHandler)

	return router
}

// healthHandler обрабатывает health check // v1.0
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "ingest",
		"timestamp": time.Now().UTC(),
		"stats":     s.Stats(),
	})
}

// telemetryHandler принимает NDJSON пакет образцов телеметрии // v1.0
func (s *Server) telemetryHandler(c *gin.Context) {
	start := time.Now()
	agentID := c.GetString("agent_id")

	contentType := c.ContentType()
	if contentType != "application/x-ndjson" && contentType != "text/plain" {
		s.fail(c, errors.ValidationError("content-type", "must be application/x-ndjson or text/plain"))
		return
	}

	scanner := bufio.NewScanner(c.Request.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(s.maxBody()))

	var (
		samples   []*models.TelemetrySample
		parseErrs []string
		rejected  int
		line      int
	)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if s.config.MaxBatch > 0 && len(samples)+rejected >= s.config.MaxBatch {
			s.fail(c, errors.Newf(errors.ErrorCodeValidation, "batch exceeds %d samples", s.config.MaxBatch).
				AddDetail("max_batch", s.config.MaxBatch))
			return
		}

		sample, err := models.NewSampleFromNDJSON(text)
		if err != nil {
			rejected++
			if len(parseErrs) < maxReportedErrors {
				parseErrs = append(parseErrs, fmt.Sprintf("line %d: %v", line, err))
			}
			continue
		}
		if sample.Labels == nil {
			sample.Labels = make(map[string]string)
		}
		if _, ok := sample.Labels["agent_id"]; !ok {
			sample.Labels["agent_id"] = agentID
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "BODY_TOO_LARGE",
				"message":  "request body too large",
				"max_size": tooLarge.Limit,
			})
			return
		}
		s.fail(c, errors.Wrap(err, errors.ErrorCodeValidation, "failed to read NDJSON body"))
		return
	}

	s.received.Add(int64(len(samples)))
	s.rejected.Add(int64(rejected))

	for _, sample := range samples {
		if err := s.publisher.Publish(nats.SubjectTelemetry, sample); err != nil {
			s.fail(c, errors.Wrap(err, errors.ErrorCodeBackendUnavailable, "failed to publish telemetry"))
			return
		}
		s.published.Add(1)
	}

	s.logger.WithFields(logging.Fields{
		"agent_id":    agentID,
		"received":    len(samples),
		"rejected":    rejected,
		"duration_ms": time.Since(start).Milliseconds(),
		"remote_addr": c.ClientIP(),
	}).Debug("Telemetry batch processed")

	c.JSON(http.StatusAccepted, IngestResponse{
		OK:       rejected == 0,
		Received: len(samples),
		Rejected: rejected,
		Errors:   parseErrs,
	})
}

// eventsHandler принимает массив событий автоматизации // v1.0
func (s *Server) eventsHandler(c *gin.Context) {
	var batch []models.AutomationEvent
	if err := c.ShouldBindJSON(&batch); err != nil {
		s.fail(c, errors.Wrap(err, errors.ErrorCodeValidation, "body must be a JSON array of events"))
		return
	}
	if s.config.MaxBatch > 0 && len(batch) > s.config.MaxBatch {
		s.fail(c, errors.Newf(errors.ErrorCodeValidation, "batch exceeds %d events", s.config.MaxBatch))
		return
	}

	now := time.Now().UTC()
	for i := range batch {
		ev := &batch[i]
		if ev.Subject == "" {
			ev.Subject = nats.SubjectAutomationEvents
		}
		if ev.TS.IsZero() {
			ev.TS = now
		}
		if ev.Target == "" {
			ev.Target = c.GetString("agent_id")
		}
		if err := s.publisher.Publish(nats.SubjectAutomationEvents, ev); err != nil {
			s.fail(c, errors.Wrap(err, errors.ErrorCodeBackendUnavailable, "failed to publish event"))
			return
		}
		s.events.Add(1)
	}
	c.JSON(http.StatusAccepted, IngestResponse{OK: true, Received: len(batch)})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := errors.StatusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("agent_id", c.GetString("agent_id")).Error("Ingest request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   string(errors.GetErrorCode(err)),
		"message": err.Error(),
	})
}

func (s *Server) maxBody() int64 {
	if s.config.MaxBodyBytes > 0 {
		return s.config.MaxBodyBytes
	}
	return 4 << 20
}

// Stats возвращает счетчики приема // v1.0
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"samples_received":  s.received.Load(),
		"samples_rejected":  s.rejected.Load(),
		"samples_published": s.published.Load(),
		"events_published":  s.events.Load(),
	}
}

// Start слушает адрес с ограничением числа соединений и блокируется до остановки // v1.0
func (s *Server) Start() error {
	tlsConfig, err := commontls.ServerConfig(s.tls)
	if err != nil {
		return fmt.Errorf("failed to configure TLS: %w", err)
	}
	if tlsConfig != nil && s.config.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	s.http.TLSConfig = tlsConfig

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	s.logger.WithField("addr", s.http.Addr).
		WithField("tls", tlsConfig != nil).
		WithField("max_connections", s.config.MaxConnections).
		Info("Starting ingest server")

	if tlsConfig != nil {
		err = s.http.ServeTLS(ln, "", "")
	} else {
		err = s.http.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop останавливает сервер // v1.0
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest server")
	return s.http.Shutdown(ctx)
}
