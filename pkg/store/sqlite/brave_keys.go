package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

const braveKeyColumns = `id, label, ciphertext, masked, status, last_used_at, created_at, updated_at`

// CreateBraveKey stores a new key. Returns store.ErrAlreadyExists when the
// label is taken.
func (s *Store) CreateBraveKey(ctx context.Context, key store.BraveKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO brave_keys (id, label, ciphertext, masked, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.Label,
		key.Ciphertext,
		key.Masked,
		string(key.Status),
		formatTime(key.CreatedAt),
		formatTime(key.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting brave key: %w", err)
	}
	return nil
}

// GetBraveKey retrieves a key by ID.
func (s *Store) GetBraveKey(ctx context.Context, id string) (store.BraveKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+braveKeyColumns+` FROM brave_keys WHERE id = ?`, id)
	return scanBraveKey(row)
}

// ListBraveKeys returns all keys ordered by creation time.
func (s *Store) ListBraveKeys(ctx context.Context) ([]store.BraveKey, error) {
	return s.queryBraveKeys(ctx,
		`SELECT `+braveKeyColumns+` FROM brave_keys ORDER BY created_at, id`)
}

// ListSelectableBraveKeys returns active keys in round-robin order.
func (s *Store) ListSelectableBraveKeys(ctx context.Context) ([]store.BraveKey, error) {
	return s.queryBraveKeys(ctx, `
		SELECT `+braveKeyColumns+` FROM brave_keys
		WHERE status = 'active'
		ORDER BY last_used_at IS NOT NULL, last_used_at, created_at`)
}

func (s *Store) queryBraveKeys(ctx context.Context, query string, args ...any) ([]store.BraveKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying brave keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []store.BraveKey
	for rows.Next() {
		key, scanErr := scanBraveKey(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating brave key rows: %w", err)
	}
	return keys, nil
}

// UpdateBraveKey updates label and status (admin mutation).
func (s *Store) UpdateBraveKey(ctx context.Context, id string, label *string, status *store.KeyStatus) error {
	query := `UPDATE brave_keys SET updated_at = ?`
	args := []any{formatTime(time.Now())}

	if label != nil {
		query += `, label = ?`
		args = append(args, *label)
	}
	if status != nil {
		query += `, status = ?`
		args = append(args, string(*status))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("updating brave key: %w", err)
	}
	return requireRowAffected(res)
}

// SetBraveKeyState transitions the key's lifecycle state.
func (s *Store) SetBraveKeyState(ctx context.Context, id string, status store.KeyStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE brave_keys SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("setting brave key state: %w", err)
	}
	return requireRowAffected(res)
}

// TouchBraveKey updates lastUsedAt. Best effort.
func (s *Store) TouchBraveKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE brave_keys SET last_used_at = ? WHERE id = ?`,
		formatTime(usedAt), id)
	if err != nil {
		return fmt.Errorf("touching brave key: %w", err)
	}
	return nil
}

// DeleteBraveKey removes a key.
func (s *Store) DeleteBraveKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM brave_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting brave key: %w", err)
	}
	return requireRowAffected(res)
}

func scanBraveKey(sc scanner) (store.BraveKey, error) {
	var (
		key                  store.BraveKey
		status               string
		lastUsedAt           sql.NullString
		createdAt, updatedAt string
	)

	err := sc.Scan(&key.ID, &key.Label, &key.Ciphertext, &key.Masked,
		&status, &lastUsedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.BraveKey{}, store.ErrNotFound
		}
		return store.BraveKey{}, fmt.Errorf("scanning brave key row: %w", err)
	}

	key.Status = store.KeyStatus(status)
	if key.LastUsedAt, err = parseTimePtr(lastUsedAt); err != nil {
		return store.BraveKey{}, err
	}
	if key.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.BraveKey{}, err
	}
	if key.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return store.BraveKey{}, err
	}
	return key, nil
}
