package store

import (
	"context"
	"database/sql"
	"strings"
)

// ToolPreference is the persisted policy row for one tool in one scope.
// A nil ClientID denotes the global default scope.
type ToolPreference struct {
	ServerID            string  `json:"server_id"`
	ToolName            string  `json:"tool_name"`
	ClientID            *string `json:"client_id,omitempty"`
	Enabled             bool    `json:"enabled"`
	OriginalDescription string  `json:"original_description,omitempty"`
	CustomName          *string `json:"custom_name,omitempty"`
	CustomDescription   *string `json:"custom_description,omitempty"`
}

func clientScope(clientID *string) string {
	if clientID == nil {
		return ""
	}
	return *clientID
}

// UpsertToolPreference inserts or replaces the preference row for its scope.
func (s *Store) UpsertToolPreference(ctx context.Context, pref *ToolPreference) error {
	return s.withTx(ctx, "upsert-tool-preference", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO tool_preferences
				(server_id, tool_name, client_id, enabled, original_description, custom_name, custom_description)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(server_id, tool_name, COALESCE(client_id, '')) DO UPDATE SET
				enabled = excluded.enabled,
				original_description = excluded.original_description,
				custom_name = excluded.custom_name,
				custom_description = excluded.custom_description`,
			pref.ServerID, pref.ToolName, pref.ClientID, boolToInt(pref.Enabled),
			pref.OriginalDescription, pref.CustomName, pref.CustomDescription)
		return err
	})
}

// UpdateOriginalDescription rewrites only the captured upstream description,
// leaving enabled/custom fields untouched.
func (s *Store) UpdateOriginalDescription(ctx context.Context, serverID, toolName, description string) error {
	return s.withTx(ctx, "update-original-description", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE tool_preferences SET original_description = ?
			WHERE server_id = ? AND tool_name = ? AND client_id IS NULL`,
			description, serverID, toolName)
		return err
	})
}

func scanPreference(row interface{ Scan(...any) error }) (*ToolPreference, error) {
	var (
		pref                          ToolPreference
		clientID, origDesc            sql.NullString
		customName, customDescription sql.NullString
		enabled                       int
	)
	err := row.Scan(&pref.ServerID, &pref.ToolName, &clientID, &enabled,
		&origDesc, &customName, &customDescription)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "scan-tool-preference", Err: err}
	}
	pref.Enabled = enabled != 0
	pref.OriginalDescription = origDesc.String
	if clientID.Valid {
		pref.ClientID = &clientID.String
	}
	if customName.Valid {
		pref.CustomName = &customName.String
	}
	if customDescription.Valid {
		pref.CustomDescription = &customDescription.String
	}
	return &pref, nil
}

const prefColumns = `server_id, tool_name, client_id, enabled, original_description, custom_name, custom_description`

// GetToolPreference returns the row for exactly (serverID, toolName, clientID).
// It does not apply the client→global fallback; that lives in the filter service.
func (s *Store) GetToolPreference(ctx context.Context, serverID, toolName string, clientID *string) (*ToolPreference, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+prefColumns+` FROM tool_preferences
		WHERE server_id = ? AND tool_name = ? AND COALESCE(client_id, '') = ?`,
		serverID, toolName, clientScope(clientID))
	return scanPreference(row)
}

// ListToolPreferences returns every row in a (serverID, clientID) scope.
func (s *Store) ListToolPreferences(ctx context.Context, serverID string, clientID *string) ([]*ToolPreference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefColumns+` FROM tool_preferences
		WHERE server_id = ? AND COALESCE(client_id, '') = ?
		ORDER BY tool_name`,
		serverID, clientScope(clientID))
	if err != nil {
		return nil, &StoreError{Op: "list-tool-preferences", Err: err}
	}
	defer rows.Close()

	var prefs []*ToolPreference
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, pref)
	}
	return prefs, rows.Err()
}

// ListToolNames returns the distinct tool names with a global row for a server.
func (s *Store) ListToolNames(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tool_name FROM tool_preferences
		WHERE server_id = ? AND client_id IS NULL
		ORDER BY tool_name`, serverID)
	if err != nil {
		return nil, &StoreError{Op: "list-tool-names", Err: err}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &StoreError{Op: "list-tool-names", Err: err}
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteToolPreferences removes every row (global and client-specific) for
// the given tool names on a server. Used when discovery no longer announces them.
func (s *Store) DeleteToolPreferences(ctx context.Context, serverID string, toolNames []string) error {
	if len(toolNames) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(toolNames)), ",")
	args := make([]any, 0, len(toolNames)+1)
	args = append(args, serverID)
	for _, name := range toolNames {
		args = append(args, name)
	}
	return s.withTx(ctx, "delete-tool-preferences", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM tool_preferences
			WHERE server_id = ? AND tool_name IN (`+placeholders+`)`, args...)
		return err
	})
}

// SetAllToolsEnabled flips the enabled flag on every row in a scope.
func (s *Store) SetAllToolsEnabled(ctx context.Context, serverID string, clientID *string, enabled bool) error {
	return s.withTx(ctx, "set-all-tools-enabled", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE tool_preferences SET enabled = ?
			WHERE server_id = ? AND COALESCE(client_id, '') = ?`,
			boolToInt(enabled), serverID, clientScope(clientID))
		return err
	})
}

// ResetToolPreferences removes customizations in a scope. In the global scope
// rows are kept (the original description must survive) but re-enabled and
// stripped of overrides; in a client scope the rows are deleted outright.
func (s *Store) ResetToolPreferences(ctx context.Context, serverID string, clientID *string) error {
	return s.withTx(ctx, "reset-tool-preferences", func(tx *sql.Tx) error {
		if clientID == nil {
			_, err := tx.Exec(`
				UPDATE tool_preferences
				SET enabled = 1, custom_name = NULL, custom_description = NULL
				WHERE server_id = ? AND client_id IS NULL`, serverID)
			return err
		}
		_, err := tx.Exec(`
			DELETE FROM tool_preferences
			WHERE server_id = ? AND client_id = ?`, serverID, *clientID)
		return err
	})
}
