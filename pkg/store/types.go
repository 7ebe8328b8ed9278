// Package store defines the persistence contract of the bridge: upstream
// keys, client tokens, server settings, and the append-only usage and audit
// logs. Implementations live in subpackages (sqlite).
package store

import "time"

// Provider identifies one of the two upstream search providers.
type Provider string

// Upstream providers.
const (
	ProviderTavily Provider = "tavily"
	ProviderBrave  Provider = "brave"
)

// KeyStatus is the lifecycle state of an upstream key.
type KeyStatus string

// Key lifecycle states. Brave keys never enter cooldown.
const (
	KeyActive   KeyStatus = "active"
	KeyDisabled KeyStatus = "disabled"
	KeyCooldown KeyStatus = "cooldown"
	KeyInvalid  KeyStatus = "invalid"
)

// CreditSnapshot is the last credit accounting fetched from the Tavily
// account API. All fields are nullable; a nil limit means unlimited.
type CreditSnapshot struct {
	KeyUsage               *int64     `json:"keyUsage,omitempty"`
	KeyLimit               *int64     `json:"keyLimit,omitempty"`
	KeyRemaining           *int64     `json:"keyRemaining,omitempty"`
	AccountPlanUsage       *int64     `json:"accountPlanUsage,omitempty"`
	AccountPlanLimit       *int64     `json:"accountPlanLimit,omitempty"`
	AccountPayAsYouGoUsage *int64     `json:"accountPayAsYouGoUsage,omitempty"`
	AccountPayAsYouGoLimit *int64     `json:"accountPayAsYouGoLimit,omitempty"`
	AccountRemaining       *int64     `json:"accountRemaining,omitempty"`
	Remaining              *int64     `json:"remaining,omitempty"`
	CheckedAt              *time.Time `json:"checkedAt,omitempty"`
	ExpiresAt              *time.Time `json:"expiresAt,omitempty"`
}

// EffectiveRemaining combines key-level and account-level remaining credit
// with null-as-unlimited semantics: the minimum of the non-nil values, or
// nil when both are unknown.
func EffectiveRemaining(keyRemaining, accountRemaining *int64) *int64 {
	switch {
	case keyRemaining == nil:
		return accountRemaining
	case accountRemaining == nil:
		return keyRemaining
	case *keyRemaining < *accountRemaining:
		return keyRemaining
	default:
		return accountRemaining
	}
}

// TavilyKey is a pooled upstream key for provider P-A.
type TavilyKey struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Ciphertext string    `json:"-"`
	Masked     string    `json:"masked"`
	Status     KeyStatus `json:"status"`

	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	Credits CreditSnapshot `json:"credits"`

	RefreshLockUntil *time.Time `json:"-"`
	RefreshLockID    *string    `json:"-"`
}

// BraveKey is a pooled upstream key for provider P-B. Same shape as
// TavilyKey minus credit accounting and cooldown.
type BraveKey struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Ciphertext string    `json:"-"`
	Masked     string    `json:"masked"`
	Status     KeyStatus `json:"status"`

	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ClientToken is a bearer credential issued to one calling application.
// The full token is `<prefix>.<secret>`; only the secret's SHA-256 is stored.
type ClientToken struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Prefix      string     `json:"prefix"`
	SecretHash  string     `json:"-"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`

	// AllowedTools restricts the token to a subset of tools. Empty means all.
	AllowedTools []string `json:"allowedTools,omitempty"`

	// RateLimit overrides the per-token requests/minute default when > 0.
	RateLimit int `json:"rateLimit,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Valid reports whether the token is usable at t: not revoked and not expired.
func (t *ClientToken) Valid(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AllowsTool reports whether the token may call the named tool.
func (t *ClientToken) AllowsTool(name string) bool {
	if len(t.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range t.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// Recognised server setting keys.
const (
	SettingSelectionStrategy = "tavilyKeySelectionStrategy"
	SettingSearchSourceMode  = "searchSourceMode"
	SettingResearchEnabled   = "researchEnabled"
)

// Selection strategies for the Tavily key pool.
const (
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
)

// Source modes for the combined dispatcher.
const (
	SourceTavilyOnly          = "tavily_only"
	SourceBraveOnly           = "brave_only"
	SourceCombined            = "combined"
	SourceBravePreferFallback = "brave_prefer_tavily_fallback"
)

// UsageOutcome is the recorded result of a tool call.
type UsageOutcome string

// Usage outcomes.
const (
	UsageSuccess UsageOutcome = "success"
	UsageError   UsageOutcome = "error"
)

// UsageRecord is one append-only row in a provider's usage log.
type UsageRecord struct {
	ID                string       `json:"id"`
	Provider          Provider     `json:"provider"`
	Timestamp         time.Time    `json:"timestamp"`
	ToolName          string       `json:"toolName"`
	Outcome           UsageOutcome `json:"outcome"`
	LatencyMs         *int64       `json:"latencyMs,omitempty"`
	ClientTokenID     string       `json:"clientTokenId"`
	ClientTokenPrefix string       `json:"clientTokenPrefix,omitempty"`
	UpstreamKeyID     string       `json:"upstreamKeyId,omitempty"`
	QueryHash         string       `json:"queryHash,omitempty"`
	QueryPreview      string       `json:"queryPreview,omitempty"`
	ArgsJSON          string       `json:"argsJson"`
	ErrorMessage      string       `json:"errorMessage,omitempty"`
}

// UsageFilter narrows usage queries.
type UsageFilter struct {
	Provider Provider
	Since    *time.Time
	Limit    int
}

// UsageSummary aggregates usage rows for telemetry endpoints.
type UsageSummary struct {
	Provider     Provider         `json:"provider"`
	TotalCalls   int64            `json:"totalCalls"`
	SuccessCalls int64            `json:"successCalls"`
	ErrorCalls   int64            `json:"errorCalls"`
	ByTool       map[string]int64 `json:"byTool"`
}

// AuditRecord is one append-only row in the admin audit log.
type AuditRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"eventType"`
	Outcome      string    `json:"outcome"`
	ResourceType string    `json:"resourceType,omitempty"`
	ResourceID   string    `json:"resourceId,omitempty"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	DetailsJSON  string    `json:"detailsJson,omitempty"`
}
