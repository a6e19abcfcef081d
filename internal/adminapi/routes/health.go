// filename: internal/adminapi/routes/health.go
package routes

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autoops/autoops/internal/common/logging"
)

const serviceName = "autoops-engine"

// CheckFunc проверка зависимости; nil означает готовность
type CheckFunc func(ctx context.Context) error

// HealthHandler обработчик для проверки здоровья сервиса // v1.0
type HealthHandler struct {
	logger    *logging.Logger
	version   string
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
	stats  map[string]func() map[string]interface{}
}

// NewHealthHandler создает новый обработчик здоровья // v1.0
func NewHealthHandler(logger *logging.Logger, version string) *HealthHandler {
	return &HealthHandler{
		logger:    logger,
		version:   version,
		startTime: time.Now(),
		timeout:   2 * time.Second,
		checks:    make(map[string]CheckFunc),
		stats:     make(map[string]func() map[string]interface{}),
	}
}

// AddCheck регистрирует проверку зависимости (nats, postgres, redis, clickhouse) // v1.0
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// AddStats регистрирует источник статистики компонента // v1.0
func (h *HealthHandler) AddStats(name string, stats func() map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats[name] = stats
}

// HealthCheck проверяет общее состояние сервиса // v1.0
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"version":   h.version,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    formatDuration(time.Since(h.startTime)),
	})
}

// runChecks выполняет проверки параллельно с общим таймаутом
func (h *HealthHandler) runChecks(ctx context.Context) (map[string]gin.H, bool) {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		ok  = true
		out = make(map[string]gin.H, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			started := time.Now()
			err := check(ctx)
			result := gin.H{"status": "ready", "response_time": time.Since(started).String()}
			if err != nil {
				result["status"] = "unavailable"
				result["error"] = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ok = false
			}
			out[name] = result
		}(name, check)
	}
	wg.Wait()
	return out, ok
}

// ReadinessCheck проверяет готовность зависимостей // v1.0
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	dependencies, ready := h.runChecks(c.Request.Context())
	if !ready {
		h.logger.WithField("dependencies", dependencies).Warn("Readiness check failed")
	}

	httpStatus := http.StatusOK
	if !ready {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"ready":        ready,
		"service":      serviceName,
		"timestamp":    time.Now().Format(time.RFC3339),
		"dependencies": dependencies,
	})
}

// LivenessCheck проверяет жизнеспособность сервиса // v1.0
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"alive":     true,
		"service":   serviceName,
		"timestamp": time.Now().Format(time.RFC3339),
		"pid":       os.Getpid(),
	})
}

// Status возвращает состояние зависимостей, статистику компонентов и runtime // v1.0
func (h *HealthHandler) Status(c *gin.Context) {
	dependencies, ready := h.runChecks(c.Request.Context())

	h.mu.RLock()
	names := make([]string, 0, len(h.stats))
	for name := range h.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	components := make(gin.H, len(names))
	for _, name := range names {
		components[name] = h.stats[name]()
	}
	h.mu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	overall := "healthy"
	if !ready {
		overall = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       overall,
		"service":      serviceName,
		"version":      h.version,
		"uptime":       formatDuration(time.Since(h.startTime)),
		"timestamp":    time.Now().Format(time.RFC3339),
		"dependencies": dependencies,
		"components":   components,
		"system": gin.H{
			"go_version":  runtime.Version(),
			"go_routines": runtime.NumGoroutine(),
			"num_cpu":     runtime.NumCPU(),
			"memory": gin.H{
				"alloc":  formatBytes(m.Alloc),
				"sys":    formatBytes(m.Sys),
				"num_gc": m.NumGC,
			},
		},
	})
}

// formatBytes форматирует байты в читаемый вид // v1.0
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatDuration форматирует duration в читаемый вид // v1.0
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
