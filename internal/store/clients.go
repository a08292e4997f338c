package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/SShadowS/mcp-router/internal/config"
)

// SaveClient inserts or updates an API client.
func (s *Store) SaveClient(ctx context.Context, client *config.ClientConfig) error {
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	if client.CreatedAt == 0 {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	return s.withTx(ctx, "save-client", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO clients (id, name, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				updated_at = excluded.updated_at`,
			client.ID, client.Name, client.Description, client.CreatedAt, client.UpdatedAt)
		return err
	})
}

// GetClient returns the client with the given id.
func (s *Store) GetClient(ctx context.Context, id string) (*config.ClientConfig, error) {
	var (
		client      config.ClientConfig
		description sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM clients WHERE id = ?`, id).
		Scan(&client.ID, &client.Name, &description, &client.CreatedAt, &client.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get-client", Err: err}
	}
	client.Description = description.String
	return &client, nil
}

// ListClients returns every client ordered by name.
func (s *Store) ListClients(ctx context.Context) ([]*config.ClientConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM clients ORDER BY name`)
	if err != nil {
		return nil, &StoreError{Op: "list-clients", Err: err}
	}
	defer rows.Close()

	var clients []*config.ClientConfig
	for rows.Next() {
		var (
			client      config.ClientConfig
			description sql.NullString
		)
		if err := rows.Scan(&client.ID, &client.Name, &description,
			&client.CreatedAt, &client.UpdatedAt); err != nil {
			return nil, &StoreError{Op: "list-clients", Err: err}
		}
		client.Description = description.String
		clients = append(clients, &client)
	}
	return clients, rows.Err()
}

// DeleteClient removes the client; its tokens and client-scoped tool
// preferences cascade.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete-client", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM clients WHERE id = ?`, id)
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
