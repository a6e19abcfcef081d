// filename: internal/common/ch/client.go
package ch

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/autoops/autoops/internal/common/config"
)

// ExecutionRow строка таблицы истории выполнений
type ExecutionRow struct {
	ExecutionID string
	RuleID      string
	RuleVersion uint32
	Status      string
	Trigger     string
	TriggeredBy string
	StartedAt   time.Time
	EndedAt     time.Time
	DurationMs  uint64
	Targets     uint32
	Actions     uint32
	Failed      uint32
	Error       string
}

// executionsDDL схема таблицы истории
const executionsDDL = `
CREATE TABLE IF NOT EXISTS execution_history (
	execution_id String,
	rule_id      String,
	rule_version UInt32,
	status       LowCardinality(String),
	trigger      LowCardinality(String),
	triggered_by String,
	started_at   DateTime64(3),
	ended_at     DateTime64(3),
	duration_ms  UInt64,
	targets      UInt32,
	actions      UInt32,
	failed       UInt32,
	error        String
) ENGINE = MergeTree
ORDER BY (rule_id, ended_at)`

// Client представляет клиент ClickHouse
type Client struct {
	conn   driver.Conn
	config config.ClickHouseConfig
}

// NewClient создает новый клиент ClickHouse // v1.0
func NewClient(cfg config.ClickHouseConfig) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("no ClickHouse hosts configured")
	}

	addrs := make([]string, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		addrs = append(addrs, fmt.Sprintf("%s:%d", h, cfg.Port))
	}

	opts := &clickhouse.Options{
		Addr: addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:  cfg.Timeout,
		MaxOpenConns: cfg.MaxOpen,
		MaxIdleConns: cfg.MaxIdle,
	}

	if cfg.Compress {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}

	if cfg.Secure {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Client{
		conn:   conn,
		config: cfg,
	}, nil
}

// EnsureSchema создает таблицу истории выполнений // v1.0
func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.conn.Exec(ctx, executionsDDL)
}

// InsertExecutions вставляет строки истории одним пакетом // v1.0
func (c *Client) InsertExecutions(ctx context.Context, rows []ExecutionRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO execution_history")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.ExecutionID, r.RuleID, r.RuleVersion, r.Status, r.Trigger, r.TriggeredBy,
			r.StartedAt, r.EndedAt, r.DurationMs, r.Targets, r.Actions, r.Failed, r.Error,
		); err != nil {
			return fmt.Errorf("failed to append row %s: %w", r.ExecutionID, err)
		}
	}

	return batch.Send()
}

// RuleSuccessRate возвращает долю успешных выполнений правила за период // v1.0
func (c *Client) RuleSuccessRate(ctx context.Context, ruleID string, since time.Time) (float64, uint64, error) {
	var (
		rate  float64
		total uint64
	)
	row := c.conn.QueryRow(ctx,
		`SELECT countIf(status = 'completed') / greatest(count(), 1), count()
		 FROM execution_history WHERE rule_id = ? AND ended_at >= ?`, ruleID, since)
	if err := row.Scan(&rate, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to query success rate: %w", err)
	}
	return rate, total, nil
}

// Ping проверяет соединение с ClickHouse // v1.0
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close закрывает соединение с ClickHouse // v1.0
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
