// internal/common/pg/client.go
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/autoops/autoops/internal/common/config"
)

// Client представляет клиент PostgreSQL
type Client struct {
	db     *sql.DB
	config config.PostgreSQLConfig
}

// NewClient создает новый клиент PostgreSQL // v1.0
func NewClient(cfg config.PostgreSQLConfig) (*Client, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{
		db:     db,
		config: cfg,
	}, nil
}

// NewFromDB оборачивает уже открытое соединение // v1.0
func NewFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// DB возвращает нижележащий пул соединений // v1.0
func (c *Client) DB() *sql.DB {
	return c.db
}

// Migrate применяет DDL-схемы по порядку // v1.0
func (c *Client) Migrate(ctx context.Context, statements ...string) error {
	for i, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

// Close закрывает соединение с PostgreSQL // v1.0
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping проверяет соединение с PostgreSQL // v1.0
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Exec выполняет SQL команду // v1.0
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// Query выполняет SQL запрос // v1.0
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRow выполняет SQL запрос и возвращает одну строку // v1.0
func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// WithTx выполняет fn в транзакции, откатывая ее при ошибке // v1.0
func (c *Client) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetStats возвращает статистику соединения // v1.0
func (c *Client) GetStats() map[string]interface{} {
	if c.db == nil {
		return nil
	}

	stats := c.db.Stats()
	return map[string]interface{}{
		"database":         c.config.Database,
		"host":             c.config.Host,
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
	}
}
