package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// LoadSettings returns key/value settings for the active instance.
// Optional keys limit the selection to specific entries.
func (s *Store) LoadSettings(ctx context.Context, keys ...string) (map[string]string, error) {
	query := `SELECT key, value FROM settings WHERE instance_name = ?`
	args := []any{s.instanceName}

	if len(keys) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
		query += fmt.Sprintf(" AND key IN (%s)", placeholders)
		for _, key := range keys {
			args = append(args, key)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("config: load settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("config: scan settings row: %w", err)
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate settings rows: %w", err)
	}

	return result, nil
}

// SaveSettings upserts the provided key/value pairs for the active instance.
func (s *Store) SaveSettings(ctx context.Context, values map[string]string) error {
	if s.readOnly {
		return fmt.Errorf("config: save settings: store opened read-only")
	}
	if len(values) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO settings (instance_name, key, value, updated_at)
            VALUES (?, ?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(instance_name, key) DO UPDATE SET
                value = excluded.value,
                updated_at = CURRENT_TIMESTAMP
        `)
		if err != nil {
			return fmt.Errorf("config: prepare save settings: %w", err)
		}
		defer stmt.Close()

		for key, value := range values {
			if _, err := stmt.ExecContext(ctx, s.instanceName, key, value); err != nil {
				return fmt.Errorf("config: exec save setting %q: %w", key, err)
			}
		}
		return nil
	})
}

// SaveSecureSetting seals the value before persisting it.
func (s *Store) SaveSecureSetting(ctx context.Context, key, value string) error {
	if s.readOnly {
		return fmt.Errorf("config: save secure setting: store opened read-only")
	}
	sealed, err := sealValue(s.sealKey, value)
	if err != nil {
		return fmt.Errorf("config: seal setting %q: %w", key, err)
	}
	return s.SaveSettings(ctx, map[string]string{key: sealed})
}

// LoadSecureSetting loads and unseals a single secure setting. A missing
// key yields a NotFoundError.
func (s *Store) LoadSecureSetting(ctx context.Context, key string) (string, error) {
	values, err := s.LoadSettings(ctx, key)
	if err != nil {
		return "", err
	}
	raw, ok := values[key]
	if !ok {
		return "", NotFoundError{Entity: "setting", Key: key}
	}
	plain, err := openValue(s.sealKey, raw)
	if err != nil {
		return "", fmt.Errorf("config: unseal setting %q: %w", key, err)
	}
	return plain, nil
}
