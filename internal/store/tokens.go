package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Token is an opaque client credential bound to a set of servers. An empty
// ServerIDs set denies access to every server; grants are always explicit.
type Token struct {
	ID        string   `json:"id"`
	ClientID  string   `json:"client_id"`
	ServerIDs []string `json:"server_ids"`
	Scopes    []string `json:"scopes,omitempty"`
	IssuedAt  int64    `json:"issued_at"`
}

// SaveToken persists a token and its server grants.
func (s *Store) SaveToken(ctx context.Context, token *Token) error {
	if token.IssuedAt == 0 {
		token.IssuedAt = time.Now().UnixMilli()
	}
	scopes, err := json.Marshal(token.Scopes)
	if err != nil {
		return &StoreError{Op: "save-token", Err: err}
	}

	return s.withTx(ctx, "save-token", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO tokens (id, client_id, scopes, issued_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET scopes = excluded.scopes`,
			token.ID, token.ClientID, string(scopes), token.IssuedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM token_servers WHERE token_id = ?`, token.ID); err != nil {
			return err
		}
		for _, serverID := range token.ServerIDs {
			if _, err := tx.Exec(`INSERT INTO token_servers (token_id, server_id) VALUES (?, ?)`,
				token.ID, serverID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetToken returns the token with the given id, including its server grants.
func (s *Store) GetToken(ctx context.Context, id string) (*Token, error) {
	var (
		token  Token
		scopes sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, scopes, issued_at FROM tokens WHERE id = ?`, id).
		Scan(&token.ID, &token.ClientID, &scopes, &token.IssuedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get-token", Err: err}
	}
	if scopes.String != "" {
		if err := json.Unmarshal([]byte(scopes.String), &token.Scopes); err != nil {
			return nil, &StoreError{Op: "get-token", Err: err}
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id FROM token_servers WHERE token_id = ? ORDER BY server_id`, id)
	if err != nil {
		return nil, &StoreError{Op: "get-token", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var serverID string
		if err := rows.Scan(&serverID); err != nil {
			return nil, &StoreError{Op: "get-token", Err: err}
		}
		token.ServerIDs = append(token.ServerIDs, serverID)
	}
	return &token, rows.Err()
}

// ListTokensByClient returns every token issued to a client.
func (s *Store) ListTokensByClient(ctx context.Context, clientID string) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tokens WHERE client_id = ? ORDER BY issued_at`, clientID)
	if err != nil {
		return nil, &StoreError{Op: "list-tokens", Err: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &StoreError{Op: "list-tokens", Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list-tokens", Err: err}
	}

	tokens := make([]*Token, 0, len(ids))
	for _, id := range ids {
		token, err := s.GetToken(ctx, id)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// DeleteToken revokes a token.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete-token", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM tokens WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
