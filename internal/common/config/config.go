// filename: internal/common/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/autoops/autoops/internal/common/logging"
)

// EnvPrefix префикс переменных окружения, переопределяющих файл конфигурации
const EnvPrefix = "AUTOOPS"

// Config представляет основную конфигурацию приложения
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	NATS       NATSConfig       `mapstructure:"nats"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    logging.Config   `mapstructure:"logging"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// ServerConfig представляет конфигурацию HTTP API
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// IngestConfig представляет конфигурацию приема телеметрии
type IngestConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
	MaxBatch       int    `mapstructure:"max_batch"`

	// RateLimitPerMinute запросов на агента в минуту; 0 отключает ограничение
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	BlockDuration      time.Duration `mapstructure:"block_duration"`

	// RequireClientCert требует клиентский сертификат (mTLS) при включенном TLS
	RequireClientCert bool `mapstructure:"require_client_cert"`
}

// NATSConfig представляет конфигурацию NATS
type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	ClientID       string        `mapstructure:"client_id"`
	Credentials    string        `mapstructure:"credentials"`
	NKeySeedFile   string        `mapstructure:"nkey_seed_file"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	JetStream      bool          `mapstructure:"jetstream"`
}

// ClickHouseConfig представляет конфигурацию ClickHouse
type ClickHouseConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Hosts    []string      `mapstructure:"hosts"`
	Database string        `mapstructure:"database"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Port     int           `mapstructure:"port"`
	Secure   bool          `mapstructure:"secure"`
	Compress bool          `mapstructure:"compress"`
	MaxOpen  int           `mapstructure:"max_open"`
	MaxIdle  int           `mapstructure:"max_idle"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PostgreSQLConfig представляет конфигурацию PostgreSQL
type PostgreSQLConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig представляет конфигурацию Redis
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// TLSConfig представляет конфигурацию TLS
type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CAFile     string `mapstructure:"ca_file"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	MinVersion string `mapstructure:"min_version"`
}

// EngineConfig представляет конфигурацию движка правил
type EngineConfig struct {
	RulesDir        string        `mapstructure:"rules_dir"`
	TemplatesDir    string        `mapstructure:"templates_dir"`
	MaxPending      int           `mapstructure:"max_pending"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	SnapshotTTL     time.Duration `mapstructure:"snapshot_ttl"`
}

// SchedulerConfig представляет конфигурацию планировщика
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Timezone     string        `mapstructure:"timezone"`
	EventBuffer  int           `mapstructure:"event_buffer"`
}

// ExecutorConfig представляет конфигурацию исполнителя действий
type ExecutorConfig struct {
	MaxParallelTargets int           `mapstructure:"max_parallel_targets"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	Backend            string        `mapstructure:"backend"`
	ScriptsDir         string        `mapstructure:"scripts_dir"`
}

// AlertingConfig представляет конфигурацию каналов уведомлений
type AlertingConfig struct {
	// Mode: "local" доставляет уведомления из процесса движка, "nats" передает их сервису alerting
	Mode            string         `mapstructure:"mode"`
	DefaultChannels []string       `mapstructure:"default_channels"`
	SuppressTTL     time.Duration  `mapstructure:"suppress_ttl"`
	Routes          []RouteConfig  `mapstructure:"routes"`
	Email           EmailConfig    `mapstructure:"email"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
	Webhook         WebhookConfig  `mapstructure:"webhook"`
}

// RouteConfig маршрут уведомлений по важности, категории или правилу
type RouteConfig struct {
	ID          string        `mapstructure:"id"`
	Priority    int           `mapstructure:"priority"`
	Severities  []string      `mapstructure:"severities"`
	Categories  []string      `mapstructure:"categories"`
	RuleIDs     []string      `mapstructure:"rule_ids"`
	Channels    []string      `mapstructure:"channels"`
	SuppressTTL time.Duration `mapstructure:"suppress_ttl"`
}

// EmailConfig конфигурация email канала
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// TelegramConfig конфигурация Telegram канала
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIURL   string `mapstructure:"api_url"`
}

// WebhookConfig конфигурация webhook канала
type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// AuthConfig конфигурация аутентификации API
type AuthConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	Tokens  []APIToken `mapstructure:"tokens"`
}

// APIToken bcrypt-хэш токена и имя пользователя, которому он выдан
type APIToken struct {
	User string `mapstructure:"user"`
	Hash string `mapstructure:"hash"`
}

// LoadConfig загружает конфигурацию из файла и окружения // v1.0
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults устанавливает значения по умолчанию // v1.0
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")

	// Ingest defaults
	v.SetDefault("ingest.host", "0.0.0.0")
	v.SetDefault("ingest.port", 8081)
	v.SetDefault("ingest.max_connections", 256)
	v.SetDefault("ingest.max_body_bytes", 4<<20)
	v.SetDefault("ingest.max_batch", 1000)
	v.SetDefault("ingest.rate_limit_per_minute", 600)
	v.SetDefault("ingest.block_duration", "30s")
	v.SetDefault("ingest.require_client_cert", false)

	// NATS defaults
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.client_id", "autoops")
	v.SetDefault("nats.request_timeout", "30s")
	v.SetDefault("nats.jetstream", true)

	// ClickHouse defaults
	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.hosts", []string{"localhost"})
	v.SetDefault("clickhouse.database", "autoops")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.compress", true)
	v.SetDefault("clickhouse.max_open", 10)
	v.SetDefault("clickhouse.max_idle", 5)
	v.SetDefault("clickhouse.timeout", "30s")

	// PostgreSQL defaults
	v.SetDefault("postgresql.enabled", false)
	v.SetDefault("postgresql.host", "localhost")
	v.SetDefault("postgresql.port", 5432)
	v.SetDefault("postgresql.database", "autoops")
	v.SetDefault("postgresql.ssl_mode", "disable")
	v.SetDefault("postgresql.max_open_conns", 20)
	v.SetDefault("postgresql.max_idle_conns", 5)
	v.SetDefault("postgresql.conn_max_lifetime", "1h")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.timeout", "5s")
	v.SetDefault("redis.key_prefix", "autoops:")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// TLS defaults
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.min_version", "1.2")

	// Engine defaults
	v.SetDefault("engine.rules_dir", "")
	v.SetDefault("engine.max_pending", 100)
	v.SetDefault("engine.approval_timeout", "0s")
	v.SetDefault("engine.snapshot_ttl", "5m")

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.event_buffer", 256)

	// Executor defaults
	v.SetDefault("executor.max_parallel_targets", 8)
	v.SetDefault("executor.default_timeout", "5m")
	v.SetDefault("executor.backend", "nats")
	v.SetDefault("executor.scripts_dir", "/opt/autoops/scripts")

	// Alerting defaults
	v.SetDefault("alerting.mode", "local")
	v.SetDefault("alerting.default_channels", []string{"webhook"})
	v.SetDefault("alerting.suppress_ttl", "0s")
	v.SetDefault("alerting.email.smtp_port", 587)
	v.SetDefault("alerting.telegram.api_url", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.timeout", "10s")

	// Auth defaults
	v.SetDefault("auth.enabled", false)
}

// Validate валидирует конфигурацию // v1.0
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Ingest.Port <= 0 || c.Ingest.Port > 65535 {
		return fmt.Errorf("invalid ingest port: %d", c.Ingest.Port)
	}

	if len(c.NATS.URLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}

	if c.ClickHouse.Enabled && len(c.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("at least one ClickHouse host is required")
	}

	if c.PostgreSQL.Enabled && c.PostgreSQL.Database == "" {
		return fmt.Errorf("PostgreSQL database name is required")
	}

	if c.Engine.MaxPending <= 0 {
		return fmt.Errorf("engine.max_pending must be positive")
	}

	if c.Engine.ApprovalTimeout < 0 {
		return fmt.Errorf("engine.approval_timeout must not be negative")
	}

	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}

	if c.Executor.MaxParallelTargets <= 0 {
		return fmt.Errorf("executor.max_parallel_targets must be positive")
	}

	switch c.Executor.Backend {
	case "nats", "local":
	default:
		return fmt.Errorf("unknown executor backend: %s", c.Executor.Backend)
	}

	switch c.Alerting.Mode {
	case "local", "nats":
	default:
		return fmt.Errorf("unknown alerting mode: %s", c.Alerting.Mode)
	}

	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("auth enabled but no tokens configured")
	}

	return nil
}

// GetServerAddr возвращает адрес сервера // v1.0
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetIngestAddr возвращает адрес сервиса приема телеметрии // v1.0
func (c *Config) GetIngestAddr() string {
	return fmt.Sprintf("%s:%d", c.Ingest.Host, c.Ingest.Port)
}

// GetPostgreSQLDSN возвращает DSN для PostgreSQL // v1.0
func (c *Config) GetPostgreSQLDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.PostgreSQL.Host, c.PostgreSQL.Port, c.PostgreSQL.Database,
		c.PostgreSQL.Username, c.PostgreSQL.Password, c.PostgreSQL.SSLMode)
}

// GetRedisAddr возвращает адрес Redis // v1.0
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
