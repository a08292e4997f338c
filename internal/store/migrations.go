package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Migration is one named, ordered schema evolution step. Up must be
// idempotent against partially-applied states: introspect the schema before
// altering it. Down is optional; a failed Up with no Down is fatal.
type Migration struct {
	ID          string
	Description string
	Up          func(tx *sql.Tx) error
	Down        func(tx *sql.Tx) error
}

// Migrate applies pending schema migrations in order inside transactions.
// Re-running against an up-to-date database makes zero schema changes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS migrations (
			id TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return &StoreError{Op: "migrate", Err: err}
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM migrations`)
	if err != nil {
		return &StoreError{Op: "migrate", Err: err}
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return &StoreError{Op: "migrate", Err: err}
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return &StoreError{Op: "migrate", Err: err}
	}

	for _, m := range schemaMigrations {
		if applied[m.ID] {
			continue
		}
		s.logger.Info("applying migration",
			zap.String("id", m.ID),
			zap.String("description", m.Description))

		err := s.withTx(ctx, "migrate:"+m.ID, func(tx *sql.Tx) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO migrations (id, applied_at) VALUES (?, ?)`,
				m.ID, time.Now().UnixMilli())
			return err
		})
		if err == nil {
			continue
		}

		if m.Down == nil {
			return fmt.Errorf("migration %s failed with no reverse step: %w", m.ID, err)
		}
		s.logger.Error("migration failed, attempting reverse",
			zap.String("id", m.ID), zap.Error(err))
		if revErr := s.withTx(ctx, "migrate-reverse:"+m.ID, m.Down); revErr != nil {
			return fmt.Errorf("migration %s failed (%v) and reverse failed: %w", m.ID, err, revErr)
		}
		return fmt.Errorf("migration %s failed, reverse applied: %w", m.ID, err)
	}
	return nil
}

// AppliedMigrations returns the ids recorded in the migrations table, in
// application order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM migrations ORDER BY applied_at, id`)
	if err != nil {
		return nil, &StoreError{Op: "applied-migrations", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StoreError{Op: "applied-migrations", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func addColumnIfMissing(tx *sql.Tx, table, column, definition string) error {
	exists, err := columnExists(tx, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition))
	return err
}

func dropColumnIfPresent(tx *sql.Tx, table, column string) error {
	exists, err := columnExists(tx, table, column)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, table, column))
	return err
}

var schemaMigrations = []Migration{
	{
		ID:          "001_initial_schema",
		Description: "servers, clients, tokens, tool preferences, OAuth dataset",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS servers (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					server_type TEXT NOT NULL,
					command TEXT,
					args_enc TEXT,
					env_enc TEXT,
					remote_url_enc TEXT,
					bearer_token_enc TEXT,
					input_params_enc TEXT,
					auto_start INTEGER NOT NULL DEFAULT 0,
					disabled INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS clients (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					description TEXT,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS tokens (
					id TEXT PRIMARY KEY,
					client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
					scopes TEXT,
					issued_at INTEGER NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_tokens_client_id ON tokens(client_id);

				CREATE TABLE IF NOT EXISTS token_servers (
					token_id TEXT NOT NULL REFERENCES tokens(id) ON DELETE CASCADE,
					server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
					PRIMARY KEY (token_id, server_id)
				);
				CREATE INDEX IF NOT EXISTS idx_token_servers_server_id ON token_servers(server_id);

				CREATE TABLE IF NOT EXISTS tool_preferences (
					server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
					tool_name TEXT NOT NULL,
					client_id TEXT REFERENCES clients(id) ON DELETE CASCADE,
					enabled INTEGER NOT NULL DEFAULT 1,
					original_description TEXT,
					custom_name TEXT,
					custom_description TEXT
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_tool_preferences_scope
					ON tool_preferences(server_id, tool_name, COALESCE(client_id, ''));
				CREATE INDEX IF NOT EXISTS idx_tool_preferences_server_id ON tool_preferences(server_id);
				CREATE INDEX IF NOT EXISTS idx_tool_preferences_client_id ON tool_preferences(client_id);

				CREATE TABLE IF NOT EXISTS oauth_configs (
					server_id TEXT PRIMARY KEY REFERENCES servers(id) ON DELETE CASCADE,
					provider TEXT NOT NULL,
					discovery_url TEXT,
					client_id TEXT,
					client_secret_enc TEXT,
					scopes TEXT,
					grant_type TEXT,
					authorization_endpoint TEXT,
					token_endpoint TEXT,
					revocation_endpoint TEXT,
					introspection_endpoint TEXT,
					userinfo_endpoint TEXT,
					use_pkce INTEGER NOT NULL DEFAULT 1,
					dynamic_registration INTEGER NOT NULL DEFAULT 0,
					audience TEXT,
					additional_params TEXT,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS oauth_tokens (
					server_id TEXT PRIMARY KEY REFERENCES servers(id) ON DELETE CASCADE,
					access_token_enc TEXT NOT NULL,
					refresh_token_enc TEXT,
					id_token_enc TEXT,
					token_type TEXT NOT NULL DEFAULT 'Bearer',
					expires_at INTEGER,
					scopes TEXT,
					refresh_count INTEGER NOT NULL DEFAULT 0,
					last_used INTEGER NOT NULL DEFAULT 0
				);
				CREATE INDEX IF NOT EXISTS idx_oauth_tokens_expires_at ON oauth_tokens(expires_at);

				CREATE TABLE IF NOT EXISTS oauth_auth_states (
					state TEXT PRIMARY KEY,
					server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
					code_verifier_enc TEXT,
					code_challenge TEXT,
					redirect_uri TEXT NOT NULL,
					scopes TEXT,
					created_at INTEGER NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_oauth_auth_states_state ON oauth_auth_states(state);
				CREATE INDEX IF NOT EXISTS idx_oauth_auth_states_server_id ON oauth_auth_states(server_id);
			`)
			return err
		},
	},
	{
		ID:          "002_server_latest_known_version",
		Description: "track the latest known upstream package version per server",
		Up: func(tx *sql.Tx) error {
			return addColumnIfMissing(tx, "servers", "latest_known_version", "TEXT")
		},
		Down: func(tx *sql.Tx) error {
			return dropColumnIfPresent(tx, "servers", "latest_known_version")
		},
	},
	{
		ID:          "003_oauth_dynamic_registration",
		Description: "persist RFC 7591 registration management credentials",
		Up: func(tx *sql.Tx) error {
			if err := addColumnIfMissing(tx, "oauth_configs", "registration_client_uri", "TEXT"); err != nil {
				return err
			}
			return addColumnIfMissing(tx, "oauth_configs", "registration_access_token_enc", "TEXT")
		},
		Down: func(tx *sql.Tx) error {
			if err := dropColumnIfPresent(tx, "oauth_configs", "registration_client_uri"); err != nil {
				return err
			}
			return dropColumnIfPresent(tx, "oauth_configs", "registration_access_token_enc")
		},
	},
	{
		ID:          "004_audit_log",
		Description: "queryable audit trail alongside the append-only file",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS audit_log (
					id TEXT PRIMARY KEY,
					timestamp INTEGER NOT NULL,
					event_type TEXT NOT NULL,
					severity TEXT NOT NULL,
					server_id TEXT,
					details TEXT
				);
				CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
			`)
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec(`DROP TABLE IF EXISTS audit_log`)
			return err
		},
	},
	{
		ID:          "005_server_tool_permissions",
		Description: "per-server tool permission map",
		Up: func(tx *sql.Tx) error {
			return addColumnIfMissing(tx, "servers", "tool_permissions", "TEXT")
		},
		Down: func(tx *sql.Tx) error {
			return dropColumnIfPresent(tx, "servers", "tool_permissions")
		},
	},
}
