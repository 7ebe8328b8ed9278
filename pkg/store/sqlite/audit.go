package sqlite

import (
	"context"
	"fmt"

	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

// InsertAudit appends one audit row. Rows are never updated or deleted.
func (s *Store) InsertAudit(ctx context.Context, rec store.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, event_type, outcome, resource_type, resource_id, ip, user_agent, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.Timestamp),
		rec.EventType,
		rec.Outcome,
		rec.ResourceType,
		rec.ResourceID,
		rec.IP,
		rec.UserAgent,
		rec.DetailsJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit row: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]store.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, event_type, outcome, resource_type, resource_id, ip, user_agent, details_json
		FROM audit_log ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []store.AuditRecord
	for rows.Next() {
		var rec store.AuditRecord
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.EventType, &rec.Outcome,
			&rec.ResourceType, &rec.ResourceID, &rec.IP, &rec.UserAgent, &rec.DetailsJSON); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return records, nil
}
