package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

const tokenColumns = `id, description, prefix, secret_hash, expires_at, revoked_at,
	allowed_tools, rate_limit, created_at`

// CreateToken stores a new client token. Returns store.ErrAlreadyExists when
// the prefix collides.
func (s *Store) CreateToken(ctx context.Context, token store.ClientToken) error {
	var allowedJSON any
	if len(token.AllowedTools) > 0 {
		data, err := json.Marshal(token.AllowedTools)
		if err != nil {
			return fmt.Errorf("encoding allowed tools: %w", err)
		}
		allowedJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_tokens (id, description, prefix, secret_hash, expires_at, allowed_tools, rate_limit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.Description,
		token.Prefix,
		token.SecretHash,
		formatTimePtr(token.ExpiresAt),
		allowedJSON,
		token.RateLimit,
		formatTime(token.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting client token: %w", err)
	}
	return nil
}

// GetTokenByPrefix looks a token up by its public prefix.
func (s *Store) GetTokenByPrefix(ctx context.Context, prefix string) (store.ClientToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM client_tokens WHERE prefix = ?`, prefix)
	return scanToken(row)
}

// ListTokens returns all tokens ordered by creation time.
func (s *Store) ListTokens(ctx context.Context) ([]store.ClientToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM client_tokens ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying client tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []store.ClientToken
	for rows.Next() {
		token, scanErr := scanToken(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return tokens, nil
}

// RevokeToken sets revokedAt. The predicate keeps revocation monotonic: an
// already revoked token keeps its original timestamp.
func (s *Store) RevokeToken(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE client_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM client_tokens WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking token existence: %w", err)
	}
	// Already revoked; treated as success.
	return nil
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return requireRowAffected(res)
}

func scanToken(sc scanner) (store.ClientToken, error) {
	var (
		token                store.ClientToken
		expiresAt, revokedAt sql.NullString
		allowedTools         sql.NullString
		createdAt            string
	)

	err := sc.Scan(&token.ID, &token.Description, &token.Prefix, &token.SecretHash,
		&expiresAt, &revokedAt, &allowedTools, &token.RateLimit, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ClientToken{}, store.ErrNotFound
		}
		return store.ClientToken{}, fmt.Errorf("scanning token row: %w", err)
	}

	if token.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return store.ClientToken{}, err
	}
	if token.RevokedAt, err = parseTimePtr(revokedAt); err != nil {
		return store.ClientToken{}, err
	}
	if token.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.ClientToken{}, err
	}
	if allowedTools.Valid && allowedTools.String != "" {
		if err := json.Unmarshal([]byte(allowedTools.String), &token.AllowedTools); err != nil {
			return store.ClientToken{}, fmt.Errorf("decoding allowed tools: %w", err)
		}
	}
	return token, nil
}
