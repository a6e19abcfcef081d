// filename: internal/configmgmt/postgres.go
package configmgmt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/pg"
	"github.com/autoops/autoops/internal/models"
)

// Schema DDL таблиц управления конфигурацией
const Schema = `
CREATE TABLE IF NOT EXISTS config_files (
	id         TEXT PRIMARY KEY,
	server_id  TEXT NOT NULL,
	path       TEXT NOT NULL,
	format     TEXT NOT NULL,
	content    TEXT NOT NULL,
	hash       TEXT NOT NULL,
	locked     BOOLEAN NOT NULL DEFAULT false,
	version    INTEGER NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (server_id, path)
);
CREATE TABLE IF NOT EXISTS config_changes (
	id         TEXT PRIMARY KEY,
	file_id    TEXT NOT NULL REFERENCES config_files(id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	body       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS config_changes_file_idx ON config_changes (file_id, created_at DESC);
CREATE TABLE IF NOT EXISTS compliance_rules (
	id   TEXT PRIMARY KEY,
	body JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS compliance_violations (
	id          TEXT PRIMARY KEY,
	file_id     TEXT NOT NULL,
	rule_id     TEXT NOT NULL,
	file_hash   TEXT NOT NULL,
	line        INTEGER NOT NULL DEFAULT 0,
	message     TEXT NOT NULL,
	severity    TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS compliance_violations_file_idx ON compliance_violations (file_id);
`

// PostgresStore хранит конфигурационные файлы в PostgreSQL // v1.0
type PostgresStore struct {
	client *pg.Client
}

// NewPostgresStore создает хранилище и применяет схему // v1.0
func NewPostgresStore(ctx context.Context, client *pg.Client) (*PostgresStore, error) {
	if err := client.Migrate(ctx, Schema); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to migrate config management schema")
	}
	return &PostgresStore{client: client}, nil
}

const fileColumns = `id, server_id, path, format, content, hash, locked, version, updated_by, created_at, updated_at`

func (p *PostgresStore) SaveFile(ctx context.Context, f *models.ConfigurationFile) error {
	_, err := p.client.Exec(ctx, `
		INSERT INTO config_files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, hash = EXCLUDED.hash, locked = EXCLUDED.locked,
		    version = EXCLUDED.version, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
	`, f.ID, f.ServerID, f.Path, string(f.Format), f.Content, f.Hash, f.Locked, f.Version,
		f.UpdatedBy, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to save config file")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (*models.ConfigurationFile, error) {
	var f models.ConfigurationFile
	var format string
	if err := row.Scan(&f.ID, &f.ServerID, &f.Path, &format, &f.Content, &f.Hash, &f.Locked,
		&f.Version, &f.UpdatedBy, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Format = models.ConfigFormat(format)
	return &f, nil
}

func (p *PostgresStore) GetFile(ctx context.Context, id string) (*models.ConfigurationFile, error) {
	f, err := scanFile(p.client.QueryRow(ctx, `SELECT `+fileColumns+` FROM config_files WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("config file", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to get config file")
	}
	return f, nil
}

func (p *PostgresStore) ListFiles(ctx context.Context, serverID string) ([]*models.ConfigurationFile, error) {
	rows, err := p.client.Query(ctx, `
		SELECT `+fileColumns+` FROM config_files
		WHERE $1 = '' OR server_id = $1
		ORDER BY server_id, path
	`, serverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to list config files")
	}
	defer rows.Close()

	var out []*models.ConfigurationFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to scan config file")
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "error iterating config files")
	}
	return out, nil
}

func (p *PostgresStore) SaveChange(ctx context.Context, change *models.ConfigChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal config change: %w", err)
	}
	_, err = p.client.Exec(ctx, `
		INSERT INTO config_changes (id, file_id, status, created_at, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body
	`, change.ID, change.FileID, string(change.Status), change.CreatedAt, body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to save config change")
	}
	return nil
}

func (p *PostgresStore) GetChange(ctx context.Context, id string) (*models.ConfigChange, error) {
	var body []byte
	err := p.client.QueryRow(ctx, `SELECT body FROM config_changes WHERE id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("config change", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to get config change")
	}
	var change models.ConfigChange
	if err := json.Unmarshal(body, &change); err != nil {
		return nil, fmt.Errorf("failed to decode config change: %w", err)
	}
	return &change, nil
}

func (p *PostgresStore) ListChanges(ctx context.Context, fileID string) ([]*models.ConfigChange, error) {
	rows, err := p.client.Query(ctx, `
		SELECT body FROM config_changes
		WHERE $1 = '' OR file_id = $1
		ORDER BY created_at DESC
	`, fileID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to list config changes")
	}
	defer rows.Close()

	var out []*models.ConfigChange
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to scan config change")
		}
		var change models.ConfigChange
		if err := json.Unmarshal(body, &change); err != nil {
			return nil, fmt.Errorf("failed to decode config change: %w", err)
		}
		out = append(out, &change)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "error iterating config changes")
	}
	return out, nil
}

func (p *PostgresStore) SaveComplianceRule(ctx context.Context, rule *models.ComplianceRule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance rule: %w", err)
	}
	_, err = p.client.Exec(ctx, `
		INSERT INTO compliance_rules (id, body) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body
	`, rule.ID, body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to save compliance rule")
	}
	return nil
}

func (p *PostgresStore) ListComplianceRules(ctx context.Context) ([]*models.ComplianceRule, error) {
	rows, err := p.client.Query(ctx, `SELECT body FROM compliance_rules ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to list compliance rules")
	}
	defer rows.Close()

	var out []*models.ComplianceRule
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to scan compliance rule")
		}
		var rule models.ComplianceRule
		if err := json.Unmarshal(body, &rule); err != nil {
			return nil, fmt.Errorf("failed to decode compliance rule: %w", err)
		}
		out = append(out, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "error iterating compliance rules")
	}
	return out, nil
}

func (p *PostgresStore) DeleteComplianceRule(ctx context.Context, id string) error {
	res, err := p.client.Exec(ctx, `DELETE FROM compliance_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to delete compliance rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("compliance rule", id)
	}
	return nil
}

func (p *PostgresStore) ReplaceViolations(ctx context.Context, fileID string, violations []models.Violation) error {
	return p.client.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM compliance_violations WHERE file_id = $1`, fileID); err != nil {
			return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to clear violations")
		}
		for _, v := range violations {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO compliance_violations (id, file_id, rule_id, file_hash, line, message, severity, detected_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, v.ID, v.FileID, v.RuleID, v.FileHash, v.Line, v.Message, v.Severity, v.DetectedAt); err != nil {
				return errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to insert violation")
			}
		}
		return nil
	})
}

func (p *PostgresStore) ListViolations(ctx context.Context, fileID string) ([]models.Violation, error) {
	rows, err := p.client.Query(ctx, `
		SELECT id, file_id, rule_id, file_hash, line, message, severity, detected_at
		FROM compliance_violations
		WHERE $1 = '' OR file_id = $1
		ORDER BY file_id, rule_id, line
	`, fileID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to list violations")
	}
	defer rows.Close()

	var out []models.Violation
	for rows.Next() {
		var v models.Violation
		if err := rows.Scan(&v.ID, &v.FileID, &v.RuleID, &v.FileHash, &v.Line, &v.Message, &v.Severity, &v.DetectedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "failed to scan violation")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeDBQuery, "error iterating violations")
	}
	return out, nil
}
