package store

import (
	"context"
	"time"
)

// TavilyKeyStore persists the P-A key pool.
type TavilyKeyStore interface {
	// CreateTavilyKey stores a new key. Returns ErrAlreadyExists when the
	// label is taken.
	CreateTavilyKey(ctx context.Context, key TavilyKey) error
	// GetTavilyKey retrieves a key by ID.
	GetTavilyKey(ctx context.Context, id string) (TavilyKey, error)
	// ListTavilyKeys returns all keys ordered by creation time.
	ListTavilyKeys(ctx context.Context) ([]TavilyKey, error)
	// ListSelectableTavilyKeys returns keys eligible for selection at now:
	// status active, or cooldown whose cooldownUntil has passed. Ordered by
	// lastUsedAt ascending with nulls first, then createdAt.
	ListSelectableTavilyKeys(ctx context.Context, now time.Time) ([]TavilyKey, error)
	// UpdateTavilyKey updates label and status (admin mutation).
	UpdateTavilyKey(ctx context.Context, id string, label *string, status *KeyStatus) error
	// SetTavilyKeyState transitions the key's lifecycle state, optionally
	// setting cooldownUntil.
	SetTavilyKeyState(ctx context.Context, id string, status KeyStatus, cooldownUntil *time.Time) error
	// TouchTavilyKey updates lastUsedAt. Best effort.
	TouchTavilyKey(ctx context.Context, id string, usedAt time.Time) error
	// UpdateTavilyCredits overwrites the key's credit snapshot.
	UpdateTavilyCredits(ctx context.Context, id string, credits CreditSnapshot) error
	// AcquireRefreshLease performs the compare-and-set lease acquisition:
	// it succeeds only when the stored lease is absent or expired. Returns
	// ErrLeaseHeld otherwise.
	AcquireRefreshLease(ctx context.Context, id, leaseID string, until time.Time) error
	// ReleaseRefreshLease clears the lease if leaseID still holds it.
	ReleaseRefreshLease(ctx context.Context, id, leaseID string) error
	// DeleteTavilyKey removes a key.
	DeleteTavilyKey(ctx context.Context, id string) error
}

// BraveKeyStore persists the P-B key pool.
type BraveKeyStore interface {
	CreateBraveKey(ctx context.Context, key BraveKey) error
	GetBraveKey(ctx context.Context, id string) (BraveKey, error)
	ListBraveKeys(ctx context.Context) ([]BraveKey, error)
	// ListSelectableBraveKeys returns active keys ordered like the Tavily
	// variant.
	ListSelectableBraveKeys(ctx context.Context) ([]BraveKey, error)
	UpdateBraveKey(ctx context.Context, id string, label *string, status *KeyStatus) error
	SetBraveKeyState(ctx context.Context, id string, status KeyStatus) error
	TouchBraveKey(ctx context.Context, id string, usedAt time.Time) error
	DeleteBraveKey(ctx context.Context, id string) error
}

// TokenStore persists client tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, token ClientToken) error
	// GetTokenByPrefix looks a token up by its public prefix.
	GetTokenByPrefix(ctx context.Context, prefix string) (ClientToken, error)
	ListTokens(ctx context.Context) ([]ClientToken, error)
	// RevokeToken sets revokedAt. Once set it is never cleared.
	RevokeToken(ctx context.Context, id string, at time.Time) error
	DeleteToken(ctx context.Context, id string) error
}

// SettingsStore persists the server policy key/value map.
type SettingsStore interface {
	// GetSetting returns the stored value or ErrNotFound.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// UsageStore persists the append-only per-provider usage log.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec UsageRecord) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]UsageRecord, error)
	SummarizeUsage(ctx context.Context, since *time.Time) ([]UsageSummary, error)
}

// AuditStore persists the append-only admin audit log.
type AuditStore interface {
	InsertAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, limit int) ([]AuditRecord, error)
}

// Store is the full persistence contract required by the bridge core.
type Store interface {
	TavilyKeyStore
	BraveKeyStore
	TokenStore
	SettingsStore
	UsageStore
	AuditStore

	// Close releases any resources held by the store.
	Close() error
}
