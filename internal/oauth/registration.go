package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OOBRedirectURI is the RFC 8252 out-of-band value registered alongside the
// loopback callbacks for providers that support it.
const OOBRedirectURI = "urn:ietf:wg:oauth:2.0:oob"

// registrationRequest is the RFC 7591 client registration body.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the subset of the RFC 7591 response the router
// persists. ClientSecret is absent for public clients.
type registrationResponse struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
}

// registerClient performs dynamic client registration against endpoint.
func registerClient(ctx context.Context, client *http.Client, endpoint string, redirectURIs []string, scope string) (*registrationResponse, error) {
	body := registrationRequest{
		RedirectURIs:            redirectURIs,
		ClientName:              "mcp-router",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   scope,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("registration endpoint returned %d: %s", resp.StatusCode, text)
	}

	var out registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid registration response: %w", err)
	}
	if out.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	return &out, nil
}
