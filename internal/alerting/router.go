// filename: internal/alerting/router.go
package alerting

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// Router выбирает каналы для уведомления и подавляет повторы // v1.0
type Router struct {
	config *RouterConfig
	logger *logging.Logger
	now    func() time.Time

	mu           sync.Mutex
	routes       []Route
	suppressions map[string]*models.Suppression
}

// RouterConfig конфигурация роутера // v1.0
type RouterConfig struct {
	DefaultChannels []string `yaml:"default_channels"`
	// SuppressTTL окно подавления повторов по умолчанию; 0 отключает подавление
	SuppressTTL time.Duration `yaml:"suppress_ttl"`
}

// Route маршрут уведомления // v1.0
type Route struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Priority int    `yaml:"priority"`

	Severities []string `yaml:"severities"`
	Categories []string `yaml:"categories"`
	RuleIDs    []string `yaml:"rule_ids"`
	Targets    []string `yaml:"targets"`

	Channels []string `yaml:"channels"`
	// Exclusive прекращает подбор маршрутов с меньшим приоритетом
	Exclusive   bool          `yaml:"exclusive"`
	SuppressTTL time.Duration `yaml:"suppress_ttl"`
}

// RouteMatch совпадение уведомления с маршрутом // v1.0
type RouteMatch struct {
	Route Route `json:"route"`
	Score int   `json:"score"`
}

// NewRouter создает роутер // v1.0
func NewRouter(config *RouterConfig, logger *logging.Logger) *Router {
	if config == nil {
		config = &RouterConfig{}
	}
	return &Router{
		config:       config,
		logger:       logger,
		now:          time.Now,
		suppressions: make(map[string]*models.Suppression),
	}
}

// AddRoute добавляет маршрут // v1.0
func (r *Router) AddRoute(route Route) error {
	if route.ID == "" {
		return fmt.Errorf("route ID is required")
	}
	if len(route.Channels) == 0 {
		return fmt.Errorf("at least one channel is required for route %s", route.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.routes {
		if existing.ID == route.ID {
			return fmt.Errorf("route with ID %s already exists", route.ID)
		}
	}
	r.routes = append(r.routes, route)
	sort.SliceStable(r.routes, func(i, j int) bool { return r.routes[i].Priority > r.routes[j].Priority })

	r.logger.WithField("route_id", route.ID).WithField("channels", route.Channels).Info("Notification route added")
	return nil
}

// RemoveRoute удаляет маршрут // v1.0
func (r *Router) RemoveRoute(routeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, route := range r.routes {
		if route.ID == routeID {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("route with ID %s not found", routeID)
}

// GetRoutes возвращает маршруты по убыванию приоритета // v1.0
func (r *Router) GetRoutes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Route(nil), r.routes...)
}

// Match возвращает маршруты, подходящие уведомлению // v1.0
func (r *Router) Match(n *models.Notification) []RouteMatch {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []RouteMatch
	for _, route := range r.routes {
		if !route.Enabled || !matchesRoute(n, route) {
			continue
		}
		matches = append(matches, RouteMatch{Route: route, Score: matchScore(n, route)})
		if route.Exclusive {
			break
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// Channels определяет каналы доставки: явно заданные в уведомлении, затем маршруты,
// затем каналы по умолчанию // v1.0
func (r *Router) Channels(n *models.Notification) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(chs []string) {
		for _, ch := range chs {
			ch = strings.ToLower(ch)
			if ch != "" && !seen[ch] {
				seen[ch] = true
				out = append(out, ch)
			}
		}
	}

	add(n.Channels)
	if len(out) == 0 {
		for _, m := range r.Match(n) {
			add(m.Route.Channels)
		}
	}
	if len(out) == 0 {
		add(r.config.DefaultChannels)
	}
	return out
}

// Suppressed сообщает, попадает ли уведомление в окно подавления; иначе открывает новое окно // v1.0
func (r *Router) Suppressed(n *models.Notification) bool {
	ttl := r.suppressTTL(n)
	if ttl <= 0 {
		return false
	}

	now := r.now()
	key := models.CreateSuppressionKey(n.RuleID, n.SuppressionKeyValues())

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.suppressions[key]; ok && s.IsActive(now) {
		s.Count++
		r.logger.WithField("rule_id", n.RuleID).
			WithField("suppressed", s.Count).
			WithField("remaining", s.Remaining(now)).
			Debug("Notification suppressed")
		return true
	}
	r.suppressions[key] = models.NewSuppression(n.RuleID, n.SuppressionKeyValues(), ttl, n.Title, now)
	return false
}

func (r *Router) suppressTTL(n *models.Notification) time.Duration {
	for _, m := range r.Match(n) {
		if m.Route.SuppressTTL > 0 {
			return m.Route.SuppressTTL
		}
	}
	return r.config.SuppressTTL
}

// Purge удаляет истекшие окна подавления // v1.0
func (r *Router) Purge() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, s := range r.suppressions {
		if !s.IsActive(now) {
			delete(r.suppressions, key)
			n++
		}
	}
	return n
}

func matchesRoute(n *models.Notification, route Route) bool {
	if len(route.Severities) > 0 && !contains(route.Severities, string(n.Severity)) {
		return false
	}
	if len(route.Categories) > 0 && !contains(route.Categories, n.Category) {
		return false
	}
	if len(route.RuleIDs) > 0 && !contains(route.RuleIDs, n.RuleID) {
		return false
	}
	if len(route.Targets) > 0 && !contains(route.Targets, n.TargetID) {
		return false
	}
	return true
}

func matchScore(n *models.Notification, route Route) int {
	score := route.Priority * 10
	if contains(route.Severities, string(n.Severity)) {
		score += 5
	}
	if contains(route.RuleIDs, n.RuleID) {
		score += 5
	}
	if contains(route.Categories, n.Category) {
		score += 3
	}
	if contains(route.Targets, n.TargetID) {
		score += 3
	}
	return score
}

func contains(slice []string, value string) bool {
	for _, item := range slice {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// GetRouterStats возвращает статистику роутера // v1.0
func (r *Router) GetRouterStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := 0
	for _, route := range r.routes {
		if route.Enabled {
			enabled++
		}
	}
	return map[string]interface{}{
		"total_routes":    len(r.routes),
		"enabled_routes":  enabled,
		"disabled_routes": len(r.routes) - enabled,
		"suppressions":    len(r.suppressions),
	}
}
