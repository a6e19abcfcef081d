// filename: internal/automation/rulestore/postgres.go
package rulestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/pg"
	"github.com/autoops/autoops/internal/models"
)

// Schema DDL таблиц правил и заготовок
const Schema = `
CREATE TABLE IF NOT EXISTS automation_rules (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	category   TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	version    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	body       JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS automation_templates (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	category   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	body       JSONB NOT NULL
);
`

// PostgresStore хранит правила и заготовки в PostgreSQL // v1.0
type PostgresStore struct {
	client *pg.Client
}

// NewPostgresStore создает хранилище и применяет схему // v1.0
func NewPostgresStore(ctx context.Context, client *pg.Client) (*PostgresStore, error) {
	if err := client.Migrate(ctx, Schema); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to migrate rules schema")
	}
	return &PostgresStore{client: client}, nil
}

// SaveRule вставляет или обновляет правило // v1.0
func (p *PostgresStore) SaveRule(ctx context.Context, rule *models.Rule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	_, err = p.client.Exec(ctx, `
		INSERT INTO automation_rules (id, name, category, enabled, priority, version, created_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, category = EXCLUDED.category, enabled = EXCLUDED.enabled,
		    priority = EXCLUDED.priority, version = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at, body = EXCLUDED.body
	`, rule.ID, rule.Name, string(rule.Category), rule.Enabled, rule.Priority, rule.Version,
		rule.CreatedAt, rule.UpdatedAt, body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to save rule")
	}
	return nil
}

// GetRule читает правило // v1.0
func (p *PostgresStore) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	var body []byte
	err := p.client.QueryRow(ctx, `SELECT body FROM automation_rules WHERE id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errors.RuleNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to get rule")
	}
	var rule models.Rule
	if err := json.Unmarshal(body, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	return &rule, nil
}

// ListRules читает все правила // v1.0
func (p *PostgresStore) ListRules(ctx context.Context) ([]*models.Rule, error) {
	rows, err := p.client.Query(ctx, `SELECT body FROM automation_rules ORDER BY priority DESC, id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to list rules")
	}
	defer rows.Close()

	var out []*models.Rule
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to scan rule")
		}
		var rule models.Rule
		if err := json.Unmarshal(body, &rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		out = append(out, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "error iterating rules")
	}
	return out, nil
}

// DeleteRule удаляет правило // v1.0
func (p *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	res, err := p.client.Exec(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to delete rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.RuleNotFound(id)
	}
	return nil
}

// SaveTemplate вставляет или обновляет заготовку // v1.0
func (p *PostgresStore) SaveTemplate(ctx context.Context, tpl *models.Template) error {
	body, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}
	_, err = p.client.Exec(ctx, `
		INSERT INTO automation_templates (id, name, category, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, category = EXCLUDED.category, body = EXCLUDED.body
	`, tpl.ID, tpl.Name, string(tpl.Category), body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to save template")
	}
	return nil
}

// GetTemplate читает заготовку // v1.0
func (p *PostgresStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var body []byte
	err := p.client.QueryRow(ctx, `SELECT body FROM automation_templates WHERE id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to get template")
	}
	var tpl models.Template
	if err := json.Unmarshal(body, &tpl); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	return &tpl, nil
}

// ListTemplates читает все заготовки // v1.0
func (p *PostgresStore) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := p.client.Query(ctx, `SELECT body FROM automation_templates ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to list templates")
	}
	defer rows.Close()

	var out []*models.Template
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to scan template")
		}
		var tpl models.Template
		if err := json.Unmarshal(body, &tpl); err != nil {
			return nil, fmt.Errorf("failed to decode template: %w", err)
		}
		out = append(out, &tpl)
	}
	return out, rows.Err()
}
