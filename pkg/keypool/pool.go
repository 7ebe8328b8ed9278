// Package keypool manages the upstream key pools: selection by policy,
// outcome-driven lifecycle transitions, credit accounting, and the exclusive
// credits refresh lease.
package keypool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/ykq007/mcp-tavily-bridge/pkg/crypto"
	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/settings"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
	"github.com/ykq007/mcp-tavily-bridge/pkg/telemetry"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/tavily"
)

// KeyHandle is a selected key with its decrypted secret, valid for one
// upstream call.
type KeyHandle struct {
	ID       string
	Provider store.Provider
	Label    string
	Masked   string
	Secret   string
}

// CreditsSource fetches current credit counters for a Tavily key.
type CreditsSource interface {
	Usage(ctx context.Context, apiKey string) (*tavily.UsageResponse, error)
}

// Config carries the pool's tunables.
type Config struct {
	// Cooldown applied after an upstream 429.
	Cooldown time.Duration
	// CreditsCooldown applied when a refresh finds the key exhausted.
	CreditsCooldown time.Duration
	// CreditsMinRemaining is the exhaustion threshold.
	CreditsMinRemaining int64
	// CreditsCacheTTL is how long a credit snapshot counts as fresh.
	CreditsCacheTTL time.Duration
	// RefreshLock is the refresh lease duration.
	RefreshLock time.Duration
}

// Pool coordinates key selection and lifecycle for both providers.
type Pool struct {
	keys     keyStore
	vault    *crypto.Vault
	settings *settings.Cache
	credits  CreditsSource
	metrics  *telemetry.Metrics
	cfg      Config

	now     func() time.Time
	randInt func(n int) int
}

// keyStore is the slice of the persistence contract the pool needs.
type keyStore interface {
	store.TavilyKeyStore
	store.BraveKeyStore
}

// New creates a key pool. metrics may be nil.
func New(keys keyStore, vault *crypto.Vault, st *settings.Cache, credits CreditsSource,
	metrics *telemetry.Metrics, cfg Config) *Pool {
	return &Pool{
		keys:     keys,
		vault:    vault,
		settings: st,
		credits:  credits,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		randInt:  rand.IntN,
	}
}

// SelectTavily picks a usable Tavily key per the configured strategy and
// returns it with its decrypted secret.
func (p *Pool) SelectTavily(ctx context.Context) (KeyHandle, error) {
	now := p.now()
	candidates, err := p.keys.ListSelectableTavilyKeys(ctx, now)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("listing selectable keys: %w", err)
	}
	if len(candidates) == 0 {
		return KeyHandle{}, errors.NewNoActiveKeysError("no active tavily keys")
	}

	picked := candidates[0]
	if p.settings.SelectionStrategy(ctx) == store.StrategyRandom {
		picked = candidates[p.randInt(len(candidates))]
	}

	// An expired cooldown converts back to active lazily, at selection.
	if picked.Status == store.KeyCooldown {
		if err := p.keys.SetTavilyKeyState(ctx, picked.ID, store.KeyActive, nil); err != nil {
			logger.Warnf("Reactivating key %s after cooldown failed: %v", picked.ID, err)
		} else {
			p.recordKeyState(store.ProviderTavily, store.KeyActive)
		}
	}

	secret, err := p.vault.DecryptString(picked.Ciphertext)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("decrypting key %s: %w", picked.ID, err)
	}
	return KeyHandle{
		ID:       picked.ID,
		Provider: store.ProviderTavily,
		Label:    picked.Label,
		Masked:   picked.Masked,
		Secret:   secret,
	}, nil
}

// SelectBrave picks a usable Brave key. Brave keys carry no cooldown; the
// rate gate paces them instead.
func (p *Pool) SelectBrave(ctx context.Context) (KeyHandle, error) {
	candidates, err := p.keys.ListSelectableBraveKeys(ctx)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("listing selectable keys: %w", err)
	}
	if len(candidates) == 0 {
		return KeyHandle{}, errors.NewNoActiveKeysError("no active brave keys")
	}

	picked := candidates[0]
	if p.settings.SelectionStrategy(ctx) == store.StrategyRandom {
		picked = candidates[p.randInt(len(candidates))]
	}

	secret, err := p.vault.DecryptString(picked.Ciphertext)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("decrypting key %s: %w", picked.ID, err)
	}
	return KeyHandle{
		ID:       picked.ID,
		Provider: store.ProviderBrave,
		Label:    picked.Label,
		Masked:   picked.Masked,
		Secret:   secret,
	}, nil
}

// Preflight fails fast when no Tavily key has usable credit. A key counts
// as usable when its snapshot shows credit above the threshold, or when the
// snapshot is absent or stale (the key gets the benefit of the doubt).
func (p *Pool) Preflight(ctx context.Context) error {
	now := p.now()
	candidates, err := p.keys.ListSelectableTavilyKeys(ctx, now)
	if err != nil {
		return fmt.Errorf("listing selectable keys: %w", err)
	}

	var earliestRetry *time.Time
	for i := range candidates {
		if keyUsable(&candidates[i], now, p.cfg.CreditsMinRemaining) {
			return nil
		}
		if exp := candidates[i].Credits.ExpiresAt; exp != nil {
			if earliestRetry == nil || exp.Before(*earliestRetry) {
				earliestRetry = exp
			}
		}
	}

	// All keys are either in cooldown or demonstrably exhausted.
	keys, err := p.keys.ListTavilyKeys(ctx)
	if err == nil {
		for i := range keys {
			if until := keys[i].CooldownUntil; keys[i].Status == store.KeyCooldown && until != nil {
				if earliestRetry == nil || until.Before(*earliestRetry) {
					earliestRetry = until
				}
			}
		}
	}

	retryAfter := p.cfg.CreditsCooldown
	if earliestRetry != nil && earliestRetry.After(now) {
		retryAfter = earliestRetry.Sub(now)
	}
	return errors.NewPreflightExhaustedError("no upstream key has usable credit", retryAfter.Milliseconds())
}

// keyUsable reports whether the key passes the credit preflight at now.
func keyUsable(key *store.TavilyKey, now time.Time, minRemaining int64) bool {
	credits := key.Credits
	if credits.Remaining == nil || credits.CheckedAt == nil {
		return true
	}
	if credits.ExpiresAt != nil && !credits.ExpiresAt.After(now) {
		// Stale snapshot; credit may have replenished since.
		return true
	}
	return *credits.Remaining > minRemaining
}

// RecordTavilyOutcome updates key state from a finished upstream call:
// 429 puts the key in cooldown, 401/403 marks it invalid, anything else
// just touches lastUsedAt.
func (p *Pool) RecordTavilyOutcome(ctx context.Context, keyID string, callErr error) {
	now := p.now()
	if err := p.keys.TouchTavilyKey(ctx, keyID, now); err != nil {
		logger.Warnf("Touching key %s failed: %v", keyID, err)
	}

	switch upstream.KindOf(callErr) {
	case upstream.KindRateLimited:
		until := now.Add(p.cfg.Cooldown)
		if err := p.keys.SetTavilyKeyState(ctx, keyID, store.KeyCooldown, &until); err != nil {
			logger.Errorf("Cooling down key %s failed: %v", keyID, err)
			return
		}
		p.recordKeyState(store.ProviderTavily, store.KeyCooldown)
		logger.Infow("Tavily key cooling down", "keyId", keyID, "until", until)
	case upstream.KindAuthFailed:
		if err := p.keys.SetTavilyKeyState(ctx, keyID, store.KeyInvalid, nil); err != nil {
			logger.Errorf("Invalidating key %s failed: %v", keyID, err)
			return
		}
		p.recordKeyState(store.ProviderTavily, store.KeyInvalid)
		logger.Warnw("Tavily key invalidated", "keyId", keyID)
	}
}

// RecordBraveOutcome updates Brave key state from a finished upstream call.
func (p *Pool) RecordBraveOutcome(ctx context.Context, keyID string, callErr error) {
	if err := p.keys.TouchBraveKey(ctx, keyID, p.now()); err != nil {
		logger.Warnf("Touching key %s failed: %v", keyID, err)
	}

	if upstream.KindOf(callErr) == upstream.KindAuthFailed {
		if err := p.keys.SetBraveKeyState(ctx, keyID, store.KeyInvalid); err != nil {
			logger.Errorf("Invalidating key %s failed: %v", keyID, err)
			return
		}
		p.recordKeyState(store.ProviderBrave, store.KeyInvalid)
		logger.Warnw("Brave key invalidated", "keyId", keyID)
	}
}

// RefreshCredits fetches the key's current credit counters under the
// exclusive refresh lease and stores the snapshot. Returns
// store.ErrLeaseHeld when another refresh is in flight.
func (p *Pool) RefreshCredits(ctx context.Context, keyID string) (store.CreditSnapshot, error) {
	leaseID := uuid.NewString()
	until := p.now().Add(p.cfg.RefreshLock)
	if err := p.keys.AcquireRefreshLease(ctx, keyID, leaseID, until); err != nil {
		return store.CreditSnapshot{}, err
	}
	defer func() {
		if err := p.keys.ReleaseRefreshLease(ctx, keyID, leaseID); err != nil {
			logger.Warnf("Releasing refresh lease for key %s failed: %v", keyID, err)
		}
	}()

	key, err := p.keys.GetTavilyKey(ctx, keyID)
	if err != nil {
		return store.CreditSnapshot{}, err
	}
	secret, err := p.vault.DecryptString(key.Ciphertext)
	if err != nil {
		return store.CreditSnapshot{}, fmt.Errorf("decrypting key %s: %w", keyID, err)
	}

	usage, err := p.credits.Usage(ctx, secret)
	if err != nil {
		if upstream.IsAuthFailed(err) {
			if stateErr := p.keys.SetTavilyKeyState(ctx, keyID, store.KeyInvalid, nil); stateErr != nil {
				logger.Errorf("Invalidating key %s failed: %v", keyID, stateErr)
			} else {
				p.recordKeyState(store.ProviderTavily, store.KeyInvalid)
			}
		}
		return store.CreditSnapshot{}, err
	}

	now := p.now()
	snapshot := buildSnapshot(usage, now, p.cfg.CreditsCacheTTL)
	if err := p.keys.UpdateTavilyCredits(ctx, keyID, snapshot); err != nil {
		return store.CreditSnapshot{}, err
	}
	if p.metrics != nil && snapshot.Remaining != nil {
		p.metrics.RecordCredits(string(store.ProviderTavily), keyID, *snapshot.Remaining)
	}

	// A refresh that finds the key exhausted parks it in cooldown.
	if snapshot.Remaining != nil && *snapshot.Remaining <= p.cfg.CreditsMinRemaining &&
		key.Status == store.KeyActive {
		cooldownUntil := now.Add(p.cfg.CreditsCooldown)
		if err := p.keys.SetTavilyKeyState(ctx, keyID, store.KeyCooldown, &cooldownUntil); err != nil {
			logger.Errorf("Cooling down exhausted key %s failed: %v", keyID, err)
		} else {
			p.recordKeyState(store.ProviderTavily, store.KeyCooldown)
			logger.Infow("Tavily key exhausted, cooling down",
				"keyId", keyID, "remaining", *snapshot.Remaining, "until", cooldownUntil)
		}
	}

	return snapshot, nil
}

// SyncCredits refreshes every non-invalid Tavily key, best effort. Keys
// whose lease is held are skipped.
func (p *Pool) SyncCredits(ctx context.Context) (refreshed, skipped int, err error) {
	keys, err := p.keys.ListTavilyKeys(ctx)
	if err != nil {
		return 0, 0, err
	}
	for i := range keys {
		if keys[i].Status == store.KeyInvalid || keys[i].Status == store.KeyDisabled {
			continue
		}
		if _, refreshErr := p.RefreshCredits(ctx, keys[i].ID); refreshErr != nil {
			logger.Warnf("Credits sync for key %s skipped: %v", keys[i].ID, refreshErr)
			skipped++
			continue
		}
		refreshed++
	}
	return refreshed, skipped, nil
}

// buildSnapshot derives the stored snapshot from the provider's counters.
// Account remaining is the plan and pay-as-you-go headroom combined.
func buildSnapshot(usage *tavily.UsageResponse, now time.Time, ttl time.Duration) store.CreditSnapshot {
	snapshot := store.CreditSnapshot{
		KeyUsage:               usage.Key.Usage,
		KeyLimit:               usage.Key.Limit,
		AccountPlanUsage:       usage.Account.PlanUsage,
		AccountPlanLimit:       usage.Account.PlanLimit,
		AccountPayAsYouGoUsage: usage.Account.PayGoUsage,
		AccountPayAsYouGoLimit: usage.Account.PayGoLimit,
	}

	snapshot.KeyRemaining = headroom(usage.Key.Limit, usage.Key.Usage)

	planRemaining := headroom(usage.Account.PlanLimit, usage.Account.PlanUsage)
	paygoRemaining := headroom(usage.Account.PayGoLimit, usage.Account.PayGoUsage)
	switch {
	case planRemaining != nil && paygoRemaining != nil:
		total := *planRemaining + *paygoRemaining
		snapshot.AccountRemaining = &total
	case planRemaining != nil:
		snapshot.AccountRemaining = planRemaining
	case paygoRemaining != nil:
		snapshot.AccountRemaining = paygoRemaining
	}

	snapshot.Remaining = store.EffectiveRemaining(snapshot.KeyRemaining, snapshot.AccountRemaining)

	checkedAt := now
	expiresAt := now.Add(ttl)
	snapshot.CheckedAt = &checkedAt
	snapshot.ExpiresAt = &expiresAt
	return snapshot
}

// headroom is limit minus usage, clamped at zero; nil limit means unlimited.
func headroom(limit, usage *int64) *int64 {
	if limit == nil {
		return nil
	}
	used := int64(0)
	if usage != nil {
		used = *usage
	}
	remaining := *limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

func (p *Pool) recordKeyState(provider store.Provider, state store.KeyStatus) {
	if p.metrics != nil {
		p.metrics.RecordKeyState(string(provider), string(state))
	}
}

// SetClock overrides the pool's clock for tests.
func (p *Pool) SetClock(now func() time.Time) { p.now = now }

// SetRand overrides the pool's random source for tests.
func (p *Pool) SetRand(randInt func(n int) int) { p.randInt = randInt }
