// filename: internal/automation/tracker/postgres.go
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/pg"
	"github.com/autoops/autoops/internal/models"
)

// Schema DDL таблицы выполнений
const Schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	rule_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	trigger     TEXT NOT NULL,
	rollback_of TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	body        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_rule_created_idx ON executions (rule_id, created_at DESC);
CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status);
`

// PostgresRepository хранит выполнения в PostgreSQL как JSONB // v1.0
type PostgresRepository struct {
	client *pg.Client
}

// NewPostgresRepository создает репозиторий и применяет схему // v1.0
func NewPostgresRepository(ctx context.Context, client *pg.Client) (*PostgresRepository, error) {
	if err := client.Migrate(ctx, Schema); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to migrate executions schema")
	}
	return &PostgresRepository{client: client}, nil
}

// Save вставляет или обновляет выполнение // v1.0
func (r *PostgresRepository) Save(ctx context.Context, exec *models.Execution) error {
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	_, err = r.client.Exec(ctx, `
		INSERT INTO executions (id, rule_id, status, trigger, rollback_of, created_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = now(), body = EXCLUDED.body
	`, exec.ID, exec.RuleID, string(exec.Status), string(exec.Trigger), exec.RollbackOf, exec.CreatedAt, body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to save execution")
	}
	return nil
}

// Get читает выполнение по идентификатору // v1.0
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	var body []byte
	err := r.client.QueryRow(ctx, `SELECT body FROM executions WHERE id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errors.ExecutionNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to get execution")
	}
	return decodeExecution(body)
}

// List выбирает выполнения по фильтру, новые первыми // v1.0
func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*models.Execution, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.RuleID != "" {
		args = append(args, filter.RuleID)
		where = append(where, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := "SELECT body FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.client.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to list executions")
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to scan execution")
		}
		exec, err := decodeExecution(body)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "error iterating executions")
	}
	return out, nil
}

func decodeExecution(body []byte) (*models.Execution, error) {
	var exec models.Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	return &exec, nil
}
