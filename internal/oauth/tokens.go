package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SShadowS/mcp-router/internal/store"
)

// tokenResponse is the token-endpoint reply for both authorization-code
// exchange and refresh.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope"`
}

// toRecord converts a token response to the persisted row shape.
func (r *tokenResponse) toRecord(serverID string, now time.Time) *store.OAuthToken {
	tok := &store.OAuthToken{
		ServerID:     serverID,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		IDToken:      r.IDToken,
		TokenType:    r.TokenType,
		LastUsed:     now.UnixMilli(),
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if r.ExpiresIn > 0 {
		expiresAt := now.Add(time.Duration(r.ExpiresIn) * time.Second).UnixMilli()
		tok.ExpiresAt = &expiresAt
	}
	if r.Scope != "" {
		tok.Scopes = strings.Fields(r.Scope)
	}
	return tok
}

// oauthHTTPError is a structured error reply from the token endpoint.
type oauthHTTPError struct {
	Status      int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *oauthHTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint returned %d: %s (%s)", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint returned %d", e.Status)
}

// postTokenEndpoint posts a form to the token endpoint and parses the reply.
func (m *Manager) postTokenEndpoint(ctx context.Context, cfg *store.OAuthConfig, form url.Values) (*tokenResponse, error) {
	if cfg.ClientID != "" {
		form.Set("client_id", cfg.ClientID)
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	if cfg.Audience != "" {
		form.Set("audience", cfg.Audience)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := &oauthHTTPError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, httpErr)
		return nil, httpErr
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tokenResp, nil
}

// exchangeCode trades an authorization code (and PKCE verifier) for tokens.
func (m *Manager) exchangeCode(ctx context.Context, cfg *store.OAuthConfig, code, verifier, redirectURI string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	return m.postTokenEndpoint(ctx, cfg, form)
}

// exchangeRefresh trades a refresh token for a fresh access token.
func (m *Manager) exchangeRefresh(ctx context.Context, cfg *store.OAuthConfig, refreshToken string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return m.postTokenEndpoint(ctx, cfg, form)
}
