package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskpanel/internal/core"
)

var ErrConfigNotFound = errors.New("config not found")

const configColumns = `id, key, value, description, created_at, updated_at`

// GetConfig loads one setting by key.
func (s *Store) GetConfig(ctx context.Context, key string) (*core.SystemConfig, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+configColumns+` FROM system_configs WHERE key = ?`, key)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return cfg, nil
}

// ListConfigs returns all settings ordered by key.
func (s *Store) ListConfigs(ctx context.Context) ([]*core.SystemConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+configColumns+` FROM system_configs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()
	var configs []*core.SystemConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return configs, nil
}

// SetConfig inserts or updates a setting and returns the stored row.
func (s *Store) SetConfig(ctx context.Context, key string, value, description *string) (*core.SystemConfig, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO system_configs (key, value, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, system_configs.description),
			updated_at = excluded.updated_at
	`, key, nullableString(value), nullableString(description), now, now)
	if err != nil {
		return nil, fmt.Errorf("set config %q: %w", key, err)
	}
	return s.GetConfig(ctx, key)
}

// DeleteConfig removes a setting.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM system_configs WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete config %q: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConfigNotFound
	}
	return nil
}

func scanConfig(scanner interface {
	Scan(dest ...any) error
}) (*core.SystemConfig, error) {
	var (
		id          int64
		key         string
		value       sql.NullString
		description sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&id, &key, &value, &description, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}
	cfg := &core.SystemConfig{
		ID:        id,
		Key:       key,
		CreatedAt: mustParseTime(createdAt),
		UpdatedAt: mustParseTime(updatedAt),
	}
	if value.Valid {
		v := value.String
		cfg.Value = &v
	}
	if description.Valid {
		d := description.String
		cfg.Description = &d
	}
	return cfg, nil
}
