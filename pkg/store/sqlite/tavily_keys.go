package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

// tavilyKeyColumns is the SELECT column list shared by Get and List queries.
const tavilyKeyColumns = `id, label, ciphertext, masked, status, cooldown_until, last_used_at,
	created_at, updated_at, key_usage, key_limit, key_remaining,
	account_plan_usage, account_plan_limit, account_payg_usage, account_payg_limit,
	account_remaining, remaining, checked_at, credits_expires_at,
	refresh_lock_until, refresh_lock_id`

// CreateTavilyKey stores a new key. Returns store.ErrAlreadyExists when the
// label is taken.
func (s *Store) CreateTavilyKey(ctx context.Context, key store.TavilyKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tavily_keys (id, label, ciphertext, masked, status, cooldown_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.Label,
		key.Ciphertext,
		key.Masked,
		string(key.Status),
		formatTimePtr(key.CooldownUntil),
		formatTime(key.CreatedAt),
		formatTime(key.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting tavily key: %w", err)
	}
	return nil
}

// GetTavilyKey retrieves a key by ID.
func (s *Store) GetTavilyKey(ctx context.Context, id string) (store.TavilyKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tavilyKeyColumns+` FROM tavily_keys WHERE id = ?`, id)
	return scanTavilyKey(row)
}

// ListTavilyKeys returns all keys ordered by creation time.
func (s *Store) ListTavilyKeys(ctx context.Context) ([]store.TavilyKey, error) {
	return s.queryTavilyKeys(ctx,
		`SELECT `+tavilyKeyColumns+` FROM tavily_keys ORDER BY created_at, id`)
}

// ListSelectableTavilyKeys returns keys eligible for selection at now.
// Ordering implements the round_robin tie-break: ascending lastUsedAt with
// nulls first, then createdAt.
func (s *Store) ListSelectableTavilyKeys(ctx context.Context, now time.Time) ([]store.TavilyKey, error) {
	return s.queryTavilyKeys(ctx, `
		SELECT `+tavilyKeyColumns+` FROM tavily_keys
		WHERE status = 'active'
		   OR (status = 'cooldown' AND cooldown_until IS NOT NULL AND cooldown_until <= ?)
		ORDER BY last_used_at IS NOT NULL, last_used_at, created_at`,
		formatTime(now))
}

func (s *Store) queryTavilyKeys(ctx context.Context, query string, args ...any) ([]store.TavilyKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tavily keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []store.TavilyKey
	for rows.Next() {
		key, scanErr := scanTavilyKey(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tavily key rows: %w", err)
	}
	return keys, nil
}

// UpdateTavilyKey updates label and status (admin mutation).
func (s *Store) UpdateTavilyKey(ctx context.Context, id string, label *string, status *store.KeyStatus) error {
	query := `UPDATE tavily_keys SET updated_at = ?`
	args := []any{formatTime(time.Now())}

	if label != nil {
		query += `, label = ?`
		args = append(args, *label)
	}
	if status != nil {
		query += `, status = ?, cooldown_until = NULL`
		args = append(args, string(*status))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("updating tavily key: %w", err)
	}
	return requireRowAffected(res)
}

// SetTavilyKeyState transitions the key's lifecycle state.
func (s *Store) SetTavilyKeyState(ctx context.Context, id string, status store.KeyStatus, cooldownUntil *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tavily_keys SET status = ?, cooldown_until = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTimePtr(cooldownUntil), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("setting tavily key state: %w", err)
	}
	return requireRowAffected(res)
}

// TouchTavilyKey updates lastUsedAt. Best effort; missing rows are ignored.
func (s *Store) TouchTavilyKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tavily_keys SET last_used_at = ? WHERE id = ?`,
		formatTime(usedAt), id)
	if err != nil {
		return fmt.Errorf("touching tavily key: %w", err)
	}
	return nil
}

// UpdateTavilyCredits overwrites the key's credit snapshot.
func (s *Store) UpdateTavilyCredits(ctx context.Context, id string, credits store.CreditSnapshot) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tavily_keys SET
			key_usage = ?, key_limit = ?, key_remaining = ?,
			account_plan_usage = ?, account_plan_limit = ?,
			account_payg_usage = ?, account_payg_limit = ?,
			account_remaining = ?, remaining = ?,
			checked_at = ?, credits_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		nullableInt64(credits.KeyUsage),
		nullableInt64(credits.KeyLimit),
		nullableInt64(credits.KeyRemaining),
		nullableInt64(credits.AccountPlanUsage),
		nullableInt64(credits.AccountPlanLimit),
		nullableInt64(credits.AccountPayAsYouGoUsage),
		nullableInt64(credits.AccountPayAsYouGoLimit),
		nullableInt64(credits.AccountRemaining),
		nullableInt64(credits.Remaining),
		formatTimePtr(credits.CheckedAt),
		formatTimePtr(credits.ExpiresAt),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating tavily credits: %w", err)
	}
	return requireRowAffected(res)
}

// AcquireRefreshLease performs the compare-and-set lease acquisition. The
// predicate admits only an absent or expired previous lease, which makes
// the lease crash-safe: a holder that dies simply lets it expire.
func (s *Store) AcquireRefreshLease(ctx context.Context, id, leaseID string, until time.Time) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tavily_keys SET refresh_lock_until = ?, refresh_lock_id = ?
		WHERE id = ? AND (refresh_lock_until IS NULL OR refresh_lock_until <= ?)`,
		formatTime(until), leaseID, id, now)
	if err != nil {
		return fmt.Errorf("acquiring refresh lease: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a held lease from a missing key.
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tavily_keys WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking tavily key existence: %w", err)
	}
	return store.ErrLeaseHeld
}

// ReleaseRefreshLease clears the lease if leaseID still holds it.
func (s *Store) ReleaseRefreshLease(ctx context.Context, id, leaseID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tavily_keys SET refresh_lock_until = NULL, refresh_lock_id = NULL
		WHERE id = ? AND refresh_lock_id = ?`,
		id, leaseID)
	if err != nil {
		return fmt.Errorf("releasing refresh lease: %w", err)
	}
	return nil
}

// DeleteTavilyKey removes a key.
func (s *Store) DeleteTavilyKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tavily_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tavily key: %w", err)
	}
	return requireRowAffected(res)
}

func requireRowAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanTavilyKey(sc scanner) (store.TavilyKey, error) {
	var (
		key                              store.TavilyKey
		status                           string
		cooldownUntil, lastUsedAt        sql.NullString
		createdAt, updatedAt             string
		keyUsage, keyLimit, keyRemaining sql.NullInt64
		planUsage, planLimit             sql.NullInt64
		paygUsage, paygLimit             sql.NullInt64
		accountRemaining, remaining      sql.NullInt64
		checkedAt, creditsExpiresAt      sql.NullString
		lockUntil, lockID                sql.NullString
	)

	err := sc.Scan(
		&key.ID, &key.Label, &key.Ciphertext, &key.Masked, &status,
		&cooldownUntil, &lastUsedAt, &createdAt, &updatedAt,
		&keyUsage, &keyLimit, &keyRemaining,
		&planUsage, &planLimit, &paygUsage, &paygLimit,
		&accountRemaining, &remaining, &checkedAt, &creditsExpiresAt,
		&lockUntil, &lockID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TavilyKey{}, store.ErrNotFound
		}
		return store.TavilyKey{}, fmt.Errorf("scanning tavily key row: %w", err)
	}

	key.Status = store.KeyStatus(status)
	if key.CooldownUntil, err = parseTimePtr(cooldownUntil); err != nil {
		return store.TavilyKey{}, err
	}
	if key.LastUsedAt, err = parseTimePtr(lastUsedAt); err != nil {
		return store.TavilyKey{}, err
	}
	if key.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.TavilyKey{}, err
	}
	if key.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return store.TavilyKey{}, err
	}

	key.Credits = store.CreditSnapshot{
		KeyUsage:               int64Ptr(keyUsage),
		KeyLimit:               int64Ptr(keyLimit),
		KeyRemaining:           int64Ptr(keyRemaining),
		AccountPlanUsage:       int64Ptr(planUsage),
		AccountPlanLimit:       int64Ptr(planLimit),
		AccountPayAsYouGoUsage: int64Ptr(paygUsage),
		AccountPayAsYouGoLimit: int64Ptr(paygLimit),
		AccountRemaining:       int64Ptr(accountRemaining),
		Remaining:              int64Ptr(remaining),
	}
	if key.Credits.CheckedAt, err = parseTimePtr(checkedAt); err != nil {
		return store.TavilyKey{}, err
	}
	if key.Credits.ExpiresAt, err = parseTimePtr(creditsExpiresAt); err != nil {
		return store.TavilyKey{}, err
	}
	if key.RefreshLockUntil, err = parseTimePtr(lockUntil); err != nil {
		return store.TavilyKey{}, err
	}
	if lockID.Valid {
		key.RefreshLockID = &lockID.String
	}

	return key, nil
}
