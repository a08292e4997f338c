package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SShadowS/mcp-router/internal/config"
)

// encryptJSON marshals v and encrypts the result. Empty collections encrypt
// to the empty string so the column stays blank.
func (s *Store) encryptJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	text := string(data)
	if text == "null" || text == "{}" || text == "[]" {
		return "", nil
	}
	return s.encrypt(text)
}

func (s *Store) decryptJSON(ciphertext string, v any) error {
	if ciphertext == "" {
		return nil
	}
	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(plaintext), v)
}

// SaveServer inserts or updates a server definition. A missing ID is
// generated. Args, env, input params, the remote URL, and the bearer token
// are encrypted at rest.
func (s *Store) SaveServer(ctx context.Context, server *config.ServerConfig) error {
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	if err := server.Validate(); err != nil {
		return &StoreError{Op: "save-server", Err: err}
	}

	argsEnc, err := s.encryptJSON(server.Args)
	if err != nil {
		return err
	}
	envEnc, err := s.encryptJSON(server.Env)
	if err != nil {
		return err
	}
	paramsEnc, err := s.encryptJSON(server.InputParams)
	if err != nil {
		return err
	}
	urlEnc, err := s.encrypt(server.RemoteURL)
	if err != nil {
		return err
	}
	bearerEnc, err := s.encrypt(server.BearerToken)
	if err != nil {
		return err
	}
	var permsJSON string
	if len(server.ToolPermissions) > 0 {
		data, err := json.Marshal(server.ToolPermissions)
		if err != nil {
			return &StoreError{Op: "save-server", Err: err}
		}
		permsJSON = string(data)
	}

	now := time.Now().UnixMilli()
	return s.withTx(ctx, "save-server", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO servers (id, name, server_type, command, args_enc, env_enc,
				remote_url_enc, bearer_token_enc, input_params_enc, auto_start, disabled,
				latest_known_version, tool_permissions, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				server_type = excluded.server_type,
				command = excluded.command,
				args_enc = excluded.args_enc,
				env_enc = excluded.env_enc,
				remote_url_enc = excluded.remote_url_enc,
				bearer_token_enc = excluded.bearer_token_enc,
				input_params_enc = excluded.input_params_enc,
				auto_start = excluded.auto_start,
				disabled = excluded.disabled,
				latest_known_version = excluded.latest_known_version,
				tool_permissions = excluded.tool_permissions,
				updated_at = excluded.updated_at`,
			server.ID, server.Name, string(server.Type), server.Command,
			argsEnc, envEnc, urlEnc, bearerEnc, paramsEnc,
			boolToInt(server.AutoStart), boolToInt(server.Disabled),
			server.LatestKnownVersion, permsJSON, now, now)
		return err
	})
}

func (s *Store) scanServer(row interface{ Scan(...any) error }) (*config.ServerConfig, error) {
	var (
		server                                         config.ServerConfig
		serverType                                     string
		command, argsEnc, envEnc, urlEnc, bearerEnc    sql.NullString
		paramsEnc, latestVersion, permsJSON            sql.NullString
		autoStart, disabled                            int
		createdAt, updatedAt                           int64
	)
	err := row.Scan(&server.ID, &server.Name, &serverType, &command, &argsEnc,
		&envEnc, &urlEnc, &bearerEnc, &paramsEnc, &autoStart, &disabled,
		&latestVersion, &permsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "scan-server", Err: err}
	}

	server.Type = config.ServerType(serverType)
	server.Command = command.String
	server.AutoStart = autoStart != 0
	server.Disabled = disabled != 0
	server.LatestKnownVersion = latestVersion.String

	if err := s.decryptJSON(argsEnc.String, &server.Args); err != nil {
		return nil, err
	}
	if err := s.decryptJSON(envEnc.String, &server.Env); err != nil {
		return nil, err
	}
	if err := s.decryptJSON(paramsEnc.String, &server.InputParams); err != nil {
		return nil, err
	}
	if server.RemoteURL, err = s.decrypt(urlEnc.String); err != nil {
		return nil, err
	}
	if server.BearerToken, err = s.decrypt(bearerEnc.String); err != nil {
		return nil, err
	}
	if permsJSON.String != "" {
		if err := json.Unmarshal([]byte(permsJSON.String), &server.ToolPermissions); err != nil {
			return nil, &StoreError{Op: "scan-server", Err: err}
		}
	}
	return &server, nil
}

const serverColumns = `id, name, server_type, command, args_enc, env_enc,
	remote_url_enc, bearer_token_enc, input_params_enc, auto_start, disabled,
	latest_known_version, tool_permissions, created_at, updated_at`

// GetServer returns the server with the given id.
func (s *Store) GetServer(ctx context.Context, id string) (*config.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM servers WHERE id = ?`, serverColumns), id)
	return s.scanServer(row)
}

// GetServerByName returns the server with the given unique name.
func (s *Store) GetServerByName(ctx context.Context, name string) (*config.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM servers WHERE name = ?`, serverColumns), name)
	return s.scanServer(row)
}

// ListServers returns every persisted server ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]*config.ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM servers ORDER BY name`, serverColumns))
	if err != nil {
		return nil, &StoreError{Op: "list-servers", Err: err}
	}
	defer rows.Close()

	var servers []*config.ServerConfig
	for rows.Next() {
		server, err := s.scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// DeleteServer removes the server record. Token grants, tool preferences and
// OAuth rows referencing it are removed by foreign-key cascade.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete-server", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM servers WHERE id = ?`, id)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
