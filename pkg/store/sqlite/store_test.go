package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func i64(v int64) *int64 { return &v }

func tavilyKey(id, label string) store.TavilyKey {
	return store.TavilyKey{
		ID:         id,
		Label:      label,
		Ciphertext: "sealed-" + id,
		Masked:     "tvly…" + id,
		Status:     store.KeyActive,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestTavilyKeyCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("k1", "prod")))

	got, err := s.GetTavilyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Label)
	assert.Equal(t, store.KeyActive, got.Status)
	assert.Nil(t, got.LastUsedAt)
	assert.Nil(t, got.Credits.Remaining)

	// Label uniqueness.
	err = s.CreateTavilyKey(ctx, tavilyKey("k2", "prod"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	// Admin status flip.
	disabled := store.KeyDisabled
	require.NoError(t, s.UpdateTavilyKey(ctx, "k1", nil, &disabled))
	got, err = s.GetTavilyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, store.KeyDisabled, got.Status)

	require.NoError(t, s.DeleteTavilyKey(ctx, "k1"))
	_, err = s.GetTavilyKey(ctx, "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTavilyKey(ctx, "k1"), store.ErrNotFound)
}

func TestSelectableOrderingAndCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("fresh", "fresh")))
	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("used", "used")))
	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("cooling", "cooling")))
	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("cooled", "cooled")))
	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("dead", "dead")))

	require.NoError(t, s.TouchTavilyKey(ctx, "used", now))

	soon := now.Add(time.Minute)
	past := now.Add(-time.Minute)
	require.NoError(t, s.SetTavilyKeyState(ctx, "cooling", store.KeyCooldown, &soon))
	require.NoError(t, s.SetTavilyKeyState(ctx, "cooled", store.KeyCooldown, &past))
	require.NoError(t, s.SetTavilyKeyState(ctx, "dead", store.KeyInvalid, nil))

	keys, err := s.ListSelectableTavilyKeys(ctx, now)
	require.NoError(t, err)

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID)
	}
	// Never-used keys come first; the expired-cooldown key is selectable,
	// the in-cooldown and invalid ones are not.
	assert.Equal(t, []string{"fresh", "cooled", "used"}, ids)
}

func TestCreditsUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("k1", "prod")))

	checked := time.Now().UTC()
	require.NoError(t, s.UpdateTavilyCredits(ctx, "k1", store.CreditSnapshot{
		KeyUsage:     i64(10),
		KeyLimit:     i64(1000),
		KeyRemaining: i64(990),
		Remaining:    i64(990),
		CheckedAt:    &checked,
	}))

	got, err := s.GetTavilyKey(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got.Credits.Remaining)
	assert.EqualValues(t, 990, *got.Credits.Remaining)
	assert.Nil(t, got.Credits.AccountRemaining)
	require.NotNil(t, got.Credits.CheckedAt)
	assert.WithinDuration(t, checked, *got.Credits.CheckedAt, time.Second)
}

func TestRefreshLeaseCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("k1", "prod")))

	until := time.Now().Add(15 * time.Second)
	require.NoError(t, s.AcquireRefreshLease(ctx, "k1", "lease-a", until))

	// A second caller cannot steal a live lease.
	err := s.AcquireRefreshLease(ctx, "k1", "lease-b", until)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)

	// Release by the wrong holder is a no-op.
	require.NoError(t, s.ReleaseRefreshLease(ctx, "k1", "lease-b"))
	err = s.AcquireRefreshLease(ctx, "k1", "lease-b", until)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)

	// Release by the holder frees it.
	require.NoError(t, s.ReleaseRefreshLease(ctx, "k1", "lease-a"))
	require.NoError(t, s.AcquireRefreshLease(ctx, "k1", "lease-b", until))

	// Missing key is distinguished from a held lease.
	err = s.AcquireRefreshLease(ctx, "nope", "lease-c", until)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiredLeaseIsReacquirable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateTavilyKey(ctx, tavilyKey("k1", "prod")))

	expired := time.Now().Add(-time.Second)
	require.NoError(t, s.AcquireRefreshLease(ctx, "k1", "lease-a", expired))
	require.NoError(t, s.AcquireRefreshLease(ctx, "k1", "lease-b", time.Now().Add(time.Minute)))
}

func TestBraveKeyCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateBraveKey(ctx, store.BraveKey{
		ID: "b1", Label: "brave-prod", Ciphertext: "sealed", Masked: "BSA…abcd",
		Status: store.KeyActive, CreatedAt: time.Now().UTC(),
	}))

	keys, err := s.ListSelectableBraveKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, s.SetBraveKeyState(ctx, "b1", store.KeyInvalid))
	keys, err = s.ListSelectableBraveKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTokenLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	created := time.Now().UTC()
	require.NoError(t, s.CreateToken(ctx, store.ClientToken{
		ID: "t1", Description: "ci", Prefix: "mcp_abc", SecretHash: "deadbeef",
		AllowedTools: []string{"tavily_search"}, RateLimit: 5, CreatedAt: created,
	}))

	got, err := s.GetTokenByPrefix(ctx, "mcp_abc")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, []string{"tavily_search"}, got.AllowedTools)
	assert.Equal(t, 5, got.RateLimit)
	assert.True(t, got.Valid(time.Now()))

	// Revocation is monotonic.
	first := time.Now().UTC()
	require.NoError(t, s.RevokeToken(ctx, "t1", first))
	require.NoError(t, s.RevokeToken(ctx, "t1", first.Add(time.Hour)))

	got, err = s.GetTokenByPrefix(ctx, "mcp_abc")
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.WithinDuration(t, first, *got.RevokedAt, time.Second)
	assert.False(t, got.Valid(time.Now()))

	assert.ErrorIs(t, s.RevokeToken(ctx, "missing", time.Now()), store.ErrNotFound)
}

func TestSettingsUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetSetting(ctx, store.SettingSearchSourceMode)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetSetting(ctx, store.SettingSearchSourceMode, store.SourceCombined))
	require.NoError(t, s.SetSetting(ctx, store.SettingSearchSourceMode, store.SourceBraveOnly))

	value, err := s.GetSetting(ctx, store.SettingSearchSourceMode)
	require.NoError(t, err)
	assert.Equal(t, store.SourceBraveOnly, value)

	all, err := s.ListSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{store.SettingSearchSourceMode: store.SourceBraveOnly}, all)
}

func TestUsageInsertAndSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	lat := int64(120)
	for i, outcome := range []store.UsageOutcome{store.UsageSuccess, store.UsageSuccess, store.UsageError} {
		require.NoError(t, s.InsertUsage(ctx, store.UsageRecord{
			ID:            string(rune('a' + i)),
			Provider:      store.ProviderTavily,
			Timestamp:     now.Add(time.Duration(i) * time.Second),
			ToolName:      "tavily_search",
			Outcome:       outcome,
			LatencyMs:     &lat,
			ClientTokenID: "t1",
			ArgsJSON:      `{"query":"golang"}`,
		}))
	}
	require.NoError(t, s.InsertUsage(ctx, store.UsageRecord{
		ID: "z", Provider: store.ProviderBrave, Timestamp: now,
		ToolName: "brave_web_search", Outcome: store.UsageSuccess,
		ClientTokenID: "t1", ArgsJSON: `{}`,
	}))

	records, err := s.ListUsage(ctx, store.UsageFilter{Provider: store.ProviderTavily, Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].ID, "newest first")

	summaries, err := s.SummarizeUsage(ctx, nil)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, store.ProviderTavily, summaries[0].Provider)
	assert.EqualValues(t, 3, summaries[0].TotalCalls)
	assert.EqualValues(t, 2, summaries[0].SuccessCalls)
	assert.EqualValues(t, 1, summaries[0].ErrorCalls)
	assert.EqualValues(t, 3, summaries[0].ByTool["tavily_search"])
}

func TestAuditAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.InsertAudit(ctx, store.AuditRecord{
		ID: "a1", Timestamp: time.Now().UTC(), EventType: "key.create",
		Outcome: "success", ResourceType: "tavily_key", ResourceID: "k1",
		IP: "127.0.0.1", DetailsJSON: `{"label":"prod"}`,
	}))

	records, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "key.create", records[0].EventType)
}
