package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// AuditRecord is one row of the queryable audit trail. The governance layer
// also mirrors entries to a memory ring and the append-only audit file.
type AuditRecord struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	ServerID  string         `json:"server_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AppendAudit inserts an audit row. The table is append-only; there is no
// update or single-row delete path.
func (s *Store) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	var details string
	if len(rec.Details) > 0 {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return &StoreError{Op: "append-audit", Err: err}
		}
		details = string(data)
	}
	return s.withTx(ctx, "append-audit", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO audit_log (id, timestamp, event_type, severity, server_id, details)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Timestamp, rec.EventType, rec.Severity, rec.ServerID, details)
		return err
	})
}

// RecentAudit returns the most recent limit rows, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]*AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, severity, server_id, details
		FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &StoreError{Op: "recent-audit", Err: err}
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var (
			rec               AuditRecord
			serverID, details sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.EventType,
			&rec.Severity, &serverID, &details); err != nil {
			return nil, &StoreError{Op: "recent-audit", Err: err}
		}
		rec.ServerID = serverID.String
		if details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
				return nil, &StoreError{Op: "recent-audit", Err: err}
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// TrimAudit deletes audit rows older than cutoff. Called by the retention
// pass at startup.
func (s *Store) TrimAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, "trim-audit", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM audit_log WHERE timestamp < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
