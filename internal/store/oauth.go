package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// OAuthConfig is the per-server OAuth client configuration. ClientSecret and
// RegistrationAccessToken are encrypted at rest.
type OAuthConfig struct {
	ServerID                string            `json:"server_id"`
	Provider                string            `json:"provider"`
	DiscoveryURL            string            `json:"discovery_url,omitempty"`
	ClientID                string            `json:"client_id,omitempty"`
	ClientSecret            string            `json:"client_secret,omitempty"`
	Scopes                  []string          `json:"scopes,omitempty"`
	GrantType               string            `json:"grant_type,omitempty"`
	AuthorizationEndpoint   string            `json:"authorization_endpoint,omitempty"`
	TokenEndpoint           string            `json:"token_endpoint,omitempty"`
	RevocationEndpoint      string            `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint   string            `json:"introspection_endpoint,omitempty"`
	UserinfoEndpoint        string            `json:"userinfo_endpoint,omitempty"`
	UsePKCE                 bool              `json:"use_pkce"`
	DynamicRegistration     bool              `json:"dynamic_registration"`
	Audience                string            `json:"audience,omitempty"`
	AdditionalParams        map[string]string `json:"additional_params,omitempty"`
	RegistrationClientURI   string            `json:"registration_client_uri,omitempty"`
	RegistrationAccessToken string            `json:"registration_access_token,omitempty"`
}

// OAuthToken is the per-server token row. Access, refresh, and id tokens are
// encrypted at rest. A nil ExpiresAt means the token never auto-refreshes.
type OAuthToken struct {
	ServerID     string   `json:"server_id"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	IDToken      string   `json:"id_token,omitempty"`
	TokenType    string   `json:"token_type"`
	ExpiresAt    *int64   `json:"expires_at,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RefreshCount int      `json:"refresh_count"`
	LastUsed     int64    `json:"last_used"`
}

// AuthState is the ephemeral row bridging an authorization request and its
// redirect callback. CodeVerifier is encrypted at rest.
type AuthState struct {
	State         string   `json:"state"`
	ServerID      string   `json:"server_id"`
	CodeVerifier  string   `json:"code_verifier,omitempty"`
	CodeChallenge string   `json:"code_challenge,omitempty"`
	RedirectURI   string   `json:"redirect_uri"`
	Scopes        []string `json:"scopes,omitempty"`
	CreatedAt     int64    `json:"created_at"`
}

func marshalScopes(scopes []string) (string, error) {
	if len(scopes) == 0 {
		return "", nil
	}
	data, err := json.Marshal(scopes)
	return string(data), err
}

func unmarshalScopes(text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	var scopes []string
	err := json.Unmarshal([]byte(text), &scopes)
	return scopes, err
}

// SaveOAuthConfig inserts or replaces the OAuth configuration for a server.
func (s *Store) SaveOAuthConfig(ctx context.Context, cfg *OAuthConfig) error {
	secretEnc, err := s.encrypt(cfg.ClientSecret)
	if err != nil {
		return err
	}
	regTokenEnc, err := s.encrypt(cfg.RegistrationAccessToken)
	if err != nil {
		return err
	}
	scopes, err := marshalScopes(cfg.Scopes)
	if err != nil {
		return &StoreError{Op: "save-oauth-config", Err: err}
	}
	var params string
	if len(cfg.AdditionalParams) > 0 {
		data, err := json.Marshal(cfg.AdditionalParams)
		if err != nil {
			return &StoreError{Op: "save-oauth-config", Err: err}
		}
		params = string(data)
	}

	now := time.Now().UnixMilli()
	return s.withTx(ctx, "save-oauth-config", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO oauth_configs (server_id, provider, discovery_url, client_id,
				client_secret_enc, scopes, grant_type, authorization_endpoint,
				token_endpoint, revocation_endpoint, introspection_endpoint,
				userinfo_endpoint, use_pkce, dynamic_registration, audience,
				additional_params, registration_client_uri, registration_access_token_enc,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(server_id) DO UPDATE SET
				provider = excluded.provider,
				discovery_url = excluded.discovery_url,
				client_id = excluded.client_id,
				client_secret_enc = excluded.client_secret_enc,
				scopes = excluded.scopes,
				grant_type = excluded.grant_type,
				authorization_endpoint = excluded.authorization_endpoint,
				token_endpoint = excluded.token_endpoint,
				revocation_endpoint = excluded.revocation_endpoint,
				introspection_endpoint = excluded.introspection_endpoint,
				userinfo_endpoint = excluded.userinfo_endpoint,
				use_pkce = excluded.use_pkce,
				dynamic_registration = excluded.dynamic_registration,
				audience = excluded.audience,
				additional_params = excluded.additional_params,
				registration_client_uri = excluded.registration_client_uri,
				registration_access_token_enc = excluded.registration_access_token_enc,
				updated_at = excluded.updated_at`,
			cfg.ServerID, cfg.Provider, cfg.DiscoveryURL, cfg.ClientID,
			secretEnc, scopes, cfg.GrantType, cfg.AuthorizationEndpoint,
			cfg.TokenEndpoint, cfg.RevocationEndpoint, cfg.IntrospectionEndpoint,
			cfg.UserinfoEndpoint, boolToInt(cfg.UsePKCE), boolToInt(cfg.DynamicRegistration),
			cfg.Audience, params, cfg.RegistrationClientURI, regTokenEnc, now, now)
		return err
	})
}

// GetOAuthConfig returns the OAuth configuration for a server.
func (s *Store) GetOAuthConfig(ctx context.Context, serverID string) (*OAuthConfig, error) {
	var (
		cfg                               OAuthConfig
		discoveryURL, clientID, secretEnc sql.NullString
		scopes, grantType                 sql.NullString
		authEP, tokenEP, revokeEP         sql.NullString
		introspectEP, userinfoEP          sql.NullString
		audience, params                  sql.NullString
		regURI, regTokenEnc               sql.NullString
		usePKCE, dynReg                   int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, provider, discovery_url, client_id, client_secret_enc,
			scopes, grant_type, authorization_endpoint, token_endpoint,
			revocation_endpoint, introspection_endpoint, userinfo_endpoint,
			use_pkce, dynamic_registration, audience, additional_params,
			registration_client_uri, registration_access_token_enc
		FROM oauth_configs WHERE server_id = ?`, serverID).
		Scan(&cfg.ServerID, &cfg.Provider, &discoveryURL, &clientID, &secretEnc,
			&scopes, &grantType, &authEP, &tokenEP, &revokeEP, &introspectEP,
			&userinfoEP, &usePKCE, &dynReg, &audience, &params, &regURI, &regTokenEnc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get-oauth-config", Err: err}
	}

	cfg.DiscoveryURL = discoveryURL.String
	cfg.ClientID = clientID.String
	cfg.GrantType = grantType.String
	cfg.AuthorizationEndpoint = authEP.String
	cfg.TokenEndpoint = tokenEP.String
	cfg.RevocationEndpoint = revokeEP.String
	cfg.IntrospectionEndpoint = introspectEP.String
	cfg.UserinfoEndpoint = userinfoEP.String
	cfg.UsePKCE = usePKCE != 0
	cfg.DynamicRegistration = dynReg != 0
	cfg.Audience = audience.String
	cfg.RegistrationClientURI = regURI.String

	if cfg.ClientSecret, err = s.decrypt(secretEnc.String); err != nil {
		return nil, err
	}
	if cfg.RegistrationAccessToken, err = s.decrypt(regTokenEnc.String); err != nil {
		return nil, err
	}
	if cfg.Scopes, err = unmarshalScopes(scopes.String); err != nil {
		return nil, &StoreError{Op: "get-oauth-config", Err: err}
	}
	if params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &cfg.AdditionalParams); err != nil {
			return nil, &StoreError{Op: "get-oauth-config", Err: err}
		}
	}
	return &cfg, nil
}

// ListOAuthConfigs returns every OAuth configuration.
func (s *Store) ListOAuthConfigs(ctx context.Context) ([]*OAuthConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_id FROM oauth_configs ORDER BY server_id`)
	if err != nil {
		return nil, &StoreError{Op: "list-oauth-configs", Err: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &StoreError{Op: "list-oauth-configs", Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list-oauth-configs", Err: err}
	}

	configs := make([]*OAuthConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.GetOAuthConfig(ctx, id)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// DeleteOAuthConfig removes a server's OAuth configuration.
func (s *Store) DeleteOAuthConfig(ctx context.Context, serverID string) error {
	return s.withTx(ctx, "delete-oauth-config", func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM oauth_configs WHERE server_id = ?`, serverID)
		return err
	})
}

// SaveOAuthToken inserts or replaces the token row for a server.
func (s *Store) SaveOAuthToken(ctx context.Context, token *OAuthToken) error {
	accessEnc, err := s.encrypt(token.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := s.encrypt(token.RefreshToken)
	if err != nil {
		return err
	}
	idEnc, err := s.encrypt(token.IDToken)
	if err != nil {
		return err
	}
	scopes, err := marshalScopes(token.Scopes)
	if err != nil {
		return &StoreError{Op: "save-oauth-token", Err: err}
	}

	return s.withTx(ctx, "save-oauth-token", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO oauth_tokens (server_id, access_token_enc, refresh_token_enc,
				id_token_enc, token_type, expires_at, scopes, refresh_count, last_used)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(server_id) DO UPDATE SET
				access_token_enc = excluded.access_token_enc,
				refresh_token_enc = excluded.refresh_token_enc,
				id_token_enc = excluded.id_token_enc,
				token_type = excluded.token_type,
				expires_at = excluded.expires_at,
				scopes = excluded.scopes,
				refresh_count = excluded.refresh_count,
				last_used = excluded.last_used`,
			token.ServerID, accessEnc, refreshEnc, idEnc, token.TokenType,
			token.ExpiresAt, scopes, token.RefreshCount, token.LastUsed)
		return err
	})
}

// GetOAuthToken returns the token row for a server.
func (s *Store) GetOAuthToken(ctx context.Context, serverID string) (*OAuthToken, error) {
	var (
		token                          OAuthToken
		accessEnc                      string
		refreshEnc, idEnc, scopes      sql.NullString
		expiresAt                      sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, access_token_enc, refresh_token_enc, id_token_enc,
			token_type, expires_at, scopes, refresh_count, last_used
		FROM oauth_tokens WHERE server_id = ?`, serverID).
		Scan(&token.ServerID, &accessEnc, &refreshEnc, &idEnc, &token.TokenType,
			&expiresAt, &scopes, &token.RefreshCount, &token.LastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get-oauth-token", Err: err}
	}

	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Int64
	}
	if token.AccessToken, err = s.decrypt(accessEnc); err != nil {
		return nil, err
	}
	if token.RefreshToken, err = s.decrypt(refreshEnc.String); err != nil {
		return nil, err
	}
	if token.IDToken, err = s.decrypt(idEnc.String); err != nil {
		return nil, err
	}
	if token.Scopes, err = unmarshalScopes(scopes.String); err != nil {
		return nil, &StoreError{Op: "get-oauth-token", Err: err}
	}
	return &token, nil
}

// ListOAuthTokens returns every token row.
func (s *Store) ListOAuthTokens(ctx context.Context) ([]*OAuthToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_id FROM oauth_tokens ORDER BY server_id`)
	if err != nil {
		return nil, &StoreError{Op: "list-oauth-tokens", Err: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &StoreError{Op: "list-oauth-tokens", Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list-oauth-tokens", Err: err}
	}

	tokens := make([]*OAuthToken, 0, len(ids))
	for _, id := range ids {
		token, err := s.GetOAuthToken(ctx, id)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// DeleteOAuthToken removes the token row for a server.
func (s *Store) DeleteOAuthToken(ctx context.Context, serverID string) error {
	return s.withTx(ctx, "delete-oauth-token", func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM oauth_tokens WHERE server_id = ?`, serverID)
		return err
	})
}

// SaveAuthState persists an in-flight authorization state row.
func (s *Store) SaveAuthState(ctx context.Context, state *AuthState) error {
	verifierEnc, err := s.encrypt(state.CodeVerifier)
	if err != nil {
		return err
	}
	scopes, err := marshalScopes(state.Scopes)
	if err != nil {
		return &StoreError{Op: "save-auth-state", Err: err}
	}
	if state.CreatedAt == 0 {
		state.CreatedAt = time.Now().UnixMilli()
	}

	return s.withTx(ctx, "save-auth-state", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO oauth_auth_states (state, server_id, code_verifier_enc,
				code_challenge, redirect_uri, scopes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			state.State, state.ServerID, verifierEnc, state.CodeChallenge,
			state.RedirectURI, scopes, state.CreatedAt)
		return err
	})
}

// GetAuthState looks up an in-flight authorization by its state parameter.
func (s *Store) GetAuthState(ctx context.Context, stateParam string) (*AuthState, error) {
	var (
		state                    AuthState
		verifierEnc, challenge   sql.NullString
		scopes                   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, server_id, code_verifier_enc, code_challenge, redirect_uri, scopes, created_at
		FROM oauth_auth_states WHERE state = ?`, stateParam).
		Scan(&state.State, &state.ServerID, &verifierEnc, &challenge,
			&state.RedirectURI, &scopes, &state.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get-auth-state", Err: err}
	}
	state.CodeChallenge = challenge.String
	if state.CodeVerifier, err = s.decrypt(verifierEnc.String); err != nil {
		return nil, err
	}
	if state.Scopes, err = unmarshalScopes(scopes.String); err != nil {
		return nil, &StoreError{Op: "get-auth-state", Err: err}
	}
	return &state, nil
}

// DeleteAuthState removes a completed or abandoned authorization state.
func (s *Store) DeleteAuthState(ctx context.Context, stateParam string) error {
	return s.withTx(ctx, "delete-auth-state", func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM oauth_auth_states WHERE state = ?`, stateParam)
		return err
	})
}

// DeleteExpiredAuthStates garbage-collects auth states older than cutoff.
func (s *Store) DeleteExpiredAuthStates(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, "delete-expired-auth-states", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM oauth_auth_states WHERE created_at < ?`,
			cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
