package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

const usageColumns = `id, provider, ts, tool_name, outcome, latency_ms, client_token_id,
	client_token_prefix, upstream_key_id, query_hash, query_preview, args_json, error_message`

// InsertUsage appends one usage row. Rows are never updated or deleted.
func (s *Store) InsertUsage(ctx context.Context, rec store.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		string(rec.Provider),
		formatTime(rec.Timestamp),
		rec.ToolName,
		string(rec.Outcome),
		nullableInt64(rec.LatencyMs),
		rec.ClientTokenID,
		rec.ClientTokenPrefix,
		rec.UpstreamKeyID,
		rec.QueryHash,
		rec.QueryPreview,
		rec.ArgsJSON,
		rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("inserting usage row: %w", err)
	}
	return nil
}

// ListUsage returns usage rows matching the filter, newest first.
func (s *Store) ListUsage(ctx context.Context, filter store.UsageFilter) ([]store.UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_log WHERE 1=1`
	var args []any

	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(filter.Provider))
	}
	if filter.Since != nil {
		query += ` AND ts >= ?`
		args = append(args, formatTime(*filter.Since))
	}
	query += ` ORDER BY ts DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []store.UsageRecord
	for rows.Next() {
		rec, scanErr := scanUsage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return records, nil
}

// SummarizeUsage aggregates usage per provider and tool since the given time.
func (s *Store) SummarizeUsage(ctx context.Context, since *time.Time) ([]store.UsageSummary, error) {
	query := `
		SELECT provider, tool_name, outcome, COUNT(*)
		FROM usage_log WHERE 1=1`
	var args []any
	if since != nil {
		query += ` AND ts >= ?`
		args = append(args, formatTime(*since))
	}
	query += ` GROUP BY provider, tool_name, outcome`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byProvider := make(map[store.Provider]*store.UsageSummary)
	for rows.Next() {
		var provider, tool, outcome string
		var count int64
		if err := rows.Scan(&provider, &tool, &outcome, &count); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}

		summary, ok := byProvider[store.Provider(provider)]
		if !ok {
			summary = &store.UsageSummary{
				Provider: store.Provider(provider),
				ByTool:   make(map[string]int64),
			}
			byProvider[store.Provider(provider)] = summary
		}
		summary.TotalCalls += count
		summary.ByTool[tool] += count
		if outcome == string(store.UsageSuccess) {
			summary.SuccessCalls += count
		} else {
			summary.ErrorCalls += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating summary rows: %w", err)
	}

	summaries := make([]store.UsageSummary, 0, len(byProvider))
	for _, provider := range []store.Provider{store.ProviderTavily, store.ProviderBrave} {
		if summary, ok := byProvider[provider]; ok {
			summaries = append(summaries, *summary)
		}
	}
	return summaries, nil
}

func scanUsage(sc scanner) (store.UsageRecord, error) {
	var (
		rec       store.UsageRecord
		provider  string
		ts        string
		outcome   string
		latencyMs sql.NullInt64
	)

	err := sc.Scan(&rec.ID, &provider, &ts, &rec.ToolName, &outcome, &latencyMs,
		&rec.ClientTokenID, &rec.ClientTokenPrefix, &rec.UpstreamKeyID,
		&rec.QueryHash, &rec.QueryPreview, &rec.ArgsJSON, &rec.ErrorMessage)
	if err != nil {
		return store.UsageRecord{}, fmt.Errorf("scanning usage row: %w", err)
	}

	rec.Provider = store.Provider(provider)
	rec.Outcome = store.UsageOutcome(outcome)
	rec.LatencyMs = int64Ptr(latencyMs)
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return store.UsageRecord{}, err
	}
	return rec, nil
}
