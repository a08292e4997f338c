package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/crypto"
	"github.com/SShadowS/mcp-router/internal/oauth/governance"
	"github.com/SShadowS/mcp-router/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	cryptoSvc, err := crypto.LoadOrCreate(filepath.Join(dir, ".oauth-key"))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "store.db"), cryptoSvc, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, st *store.Store, browser Browser) *Manager {
	t.Helper()
	m := NewManager(st, nil, governance.NewLimiter(nil), browser, zap.NewNop())
	m.callbackPort = freePort(t)
	t.Cleanup(m.Close)
	return m
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func seedServer(t *testing.T, st *store.Store, name string) string {
	t.Helper()
	server := &config.ServerConfig{
		Name: name, Type: config.ServerTypeRemoteStreamable,
		RemoteURL: "https://" + name + ".example.com/mcp",
	}
	require.NoError(t, st.SaveServer(context.Background(), server))
	return server.ID
}

// scriptedBrowser plays the user: it follows the authorization URL by
// redirecting straight back to the loopback callback.
type scriptedBrowser struct {
	mu      sync.Mutex
	authURL string
	// tamper rewrites the callback query before it is sent.
	tamper func(authQuery url.Values, callback url.Values)
}

func (b *scriptedBrowser) Open(authURL string) error {
	b.mu.Lock()
	b.authURL = authURL
	b.mu.Unlock()

	u, err := url.Parse(authURL)
	if err != nil {
		return err
	}
	q := u.Query()

	callback := url.Values{}
	callback.Set("code", "auth-code-1")
	callback.Set("state", q.Get("state"))
	if b.tamper != nil {
		b.tamper(q, callback)
	}

	go func() {
		resp, err := http.Get(q.Get("redirect_uri") + "?" + callback.Encode())
		if err == nil {
			resp.Body.Close()
		}
	}()
	return nil
}

func (b *scriptedBrowser) lastAuthQuery(t *testing.T) url.Values {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	u, err := url.Parse(b.authURL)
	require.NoError(t, err)
	return u.Query()
}

// fakeProvider is an httptest OAuth token endpoint.
type fakeProvider struct {
	srv           *httptest.Server
	tokenHits     atomic.Int32
	refreshHits   atomic.Int32
	lastVerifier  atomic.Value
	refreshStatus int           // non-zero forces refresh failures with this status
	refreshError  string        // error code in the failure body
	refreshDelay  time.Duration // holds the refresh response open
	tokenCounter  atomic.Int32
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		p.tokenHits.Add(1)

		switch r.Form.Get("grant_type") {
		case "authorization_code":
			p.lastVerifier.Store(r.Form.Get("code_verifier"))
			writeTokenResponse(w, fmt.Sprintf("access-%d", p.tokenCounter.Add(1)), 3600)
		case "refresh_token":
			p.refreshHits.Add(1)
			if p.refreshDelay > 0 {
				time.Sleep(p.refreshDelay)
			}
			if p.refreshStatus != 0 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(p.refreshStatus)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": p.refreshError})
				return
			}
			writeTokenResponse(w, fmt.Sprintf("access-%d", p.tokenCounter.Add(1)), 3600)
		default:
			http.Error(w, "unsupported grant", http.StatusBadRequest)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func writeTokenResponse(w http.ResponseWriter, accessToken string, expiresIn int64) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    expiresIn,
		"refresh_token": "refresh-1",
		"scope":         "repo",
	})
}

func (p *fakeProvider) seedConfig(t *testing.T, st *store.Store, serverID string, usePKCE bool) {
	t.Helper()
	require.NoError(t, st.SaveOAuthConfig(context.Background(), &store.OAuthConfig{
		ServerID:              serverID,
		Provider:              ProviderCustom,
		ClientID:              "client-1",
		AuthorizationEndpoint: p.srv.URL + "/authorize",
		TokenEndpoint:         p.srv.URL + "/token",
		UsePKCE:               usePKCE,
		GrantType:             "authorization_code",
	}))
}

func seedToken(t *testing.T, st *store.Store, serverID, access string, expiresIn time.Duration, withRefresh bool) {
	t.Helper()
	tok := &store.OAuthToken{
		ServerID: serverID, AccessToken: access, TokenType: "Bearer",
	}
	if expiresIn != 0 {
		expiresAt := time.Now().Add(expiresIn).UnixMilli()
		tok.ExpiresAt = &expiresAt
	}
	if withRefresh {
		tok.RefreshToken = "refresh-1"
	}
	require.NoError(t, st.SaveOAuthToken(context.Background(), tok))
}

func TestConfigure_AppliesProviderTemplate(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "gh")

	require.NoError(t, m.Configure(context.Background(), serverID, ProviderGitHub, ConfigureOptions{
		ClientID: "client-1",
	}))

	cfg, err := st.GetOAuthConfig(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/login/oauth/authorize", cfg.AuthorizationEndpoint)
	assert.Equal(t, "https://github.com/login/oauth/access_token", cfg.TokenEndpoint)
	assert.Equal(t, []string{"repo", "read:user"}, cfg.Scopes)
	assert.True(t, cfg.UsePKCE)
	assert.Equal(t, StateConfigured, m.State(serverID))
}

func TestConfigure_Idempotent(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "gh")
	ctx := context.Background()

	opts := ConfigureOptions{ClientID: "client-1", ClientSecret: "hush"}
	require.NoError(t, m.Configure(ctx, serverID, ProviderGitHub, opts))
	first, err := st.GetOAuthConfig(ctx, serverID)
	require.NoError(t, err)

	require.NoError(t, m.Configure(ctx, serverID, ProviderGitHub, opts))
	second, err := st.GetOAuthConfig(ctx, serverID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestConfigure_DiscoveryFillsEndpoints(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "custom")

	meta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-authorization-server" {
			_, _ = fmt.Fprintf(w, `{
				"issuer": %q,
				"authorization_endpoint": "https://idp.example.com/authorize",
				"token_endpoint": "https://idp.example.com/token",
				"revocation_endpoint": "https://idp.example.com/revoke"
			}`, "https://idp.example.com")
			return
		}
		http.NotFound(w, r)
	}))
	defer meta.Close()
	m.discovery = NewDiscoverer(meta.Client(), zap.NewNop())

	require.NoError(t, m.Configure(context.Background(), serverID, ProviderCustom, ConfigureOptions{
		ClientID:     "client-1",
		DiscoveryURL: meta.URL,
	}))

	cfg, err := st.GetOAuthConfig(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/authorize", cfg.AuthorizationEndpoint)
	assert.Equal(t, "https://idp.example.com/token", cfg.TokenEndpoint)
	assert.Equal(t, "https://idp.example.com/revoke", cfg.RevocationEndpoint)
}

func TestConfigure_DynamicRegistrationPublicClient(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "custom")

	var regBody registrationRequest
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			host := "http://" + r.Host
			_, _ = fmt.Fprintf(w, `{
				"authorization_endpoint": %q,
				"token_endpoint": %q,
				"registration_endpoint": %q
			}`, host+"/authorize", host+"/token", host+"/register")
		case "/register":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&regBody))
			w.WriteHeader(http.StatusCreated)
			// Public client: no client_secret in the response.
			_ = json.NewEncoder(w).Encode(map[string]string{
				"client_id":               "registered-client",
				"registration_client_uri": "http://" + r.Host + "/register/registered-client",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer idp.Close()
	m.discovery = NewDiscoverer(idp.Client(), zap.NewNop())
	m.httpClient = idp.Client()

	require.NoError(t, m.Configure(context.Background(), serverID, ProviderCustom, ConfigureOptions{
		DiscoveryURL:        idp.URL,
		DynamicRegistration: true,
	}))

	cfg, err := st.GetOAuthConfig(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, "registered-client", cfg.ClientID)
	assert.Empty(t, cfg.ClientSecret)
	assert.NotEmpty(t, cfg.RegistrationClientURI)
	assert.Contains(t, regBody.RedirectURIs, OOBRedirectURI)
	assert.Contains(t, regBody.RedirectURIs,
		fmt.Sprintf("http://localhost:%d%s", m.callbackPort, CallbackPath))
}

func TestAuthenticate_FullPKCEFlow(t *testing.T) {
	st := newTestStore(t)
	browser := &scriptedBrowser{}
	m := newTestManager(t, st, browser)
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.seedConfig(t, st, serverID, true)

	require.NoError(t, m.Authenticate(context.Background(), serverID, nil))

	// The auth URL carried a PKCE challenge matching the verifier the token
	// exchange presented.
	authQuery := browser.lastAuthQuery(t)
	challenge := authQuery.Get("code_challenge")
	require.NotEmpty(t, challenge)
	assert.Equal(t, "S256", authQuery.Get("code_challenge_method"))
	verifier, _ := provider.lastVerifier.Load().(string)
	require.NotEmpty(t, verifier)
	assert.Equal(t, challenge, crypto.PKCEChallenge(verifier))

	tok, err := st.GetOAuthToken(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	require.NotNil(t, tok.ExpiresAt)

	// The ephemeral auth state is gone.
	state := authQuery.Get("state")
	_, err = st.GetAuthState(context.Background(), state)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, StateAuthenticated, m.State(serverID))
}

func TestAuthenticate_NoPKCEPath(t *testing.T) {
	st := newTestStore(t)
	browser := &scriptedBrowser{}
	m := newTestManager(t, st, browser)
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.seedConfig(t, st, serverID, false)

	require.NoError(t, m.Authenticate(context.Background(), serverID, nil))

	authQuery := browser.lastAuthQuery(t)
	assert.Empty(t, authQuery.Get("code_challenge"))
	verifier, _ := provider.lastVerifier.Load().(string)
	assert.Empty(t, verifier)

	_, err := st.GetOAuthToken(context.Background(), serverID)
	require.NoError(t, err)
}

func TestAuthenticate_StateMismatch(t *testing.T) {
	st := newTestStore(t)
	browser := &scriptedBrowser{
		tamper: func(_ url.Values, callback url.Values) {
			callback.Set("state", "forged-state")
		},
	}
	m := newTestManager(t, st, browser)
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.seedConfig(t, st, serverID, true)

	err := m.Authenticate(context.Background(), serverID, nil)
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FlowStateMismatch, fe.Kind)

	_, err = st.GetOAuthToken(context.Background(), serverID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuthenticate_UserDenied(t *testing.T) {
	st := newTestStore(t)
	browser := &scriptedBrowser{
		tamper: func(_ url.Values, callback url.Values) {
			callback.Del("code")
			callback.Set("error", "access_denied")
		},
	}
	m := newTestManager(t, st, browser)
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.seedConfig(t, st, serverID, true)

	err := m.Authenticate(context.Background(), serverID, nil)
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FlowCancelled, fe.Kind)
}

func TestAuthenticate_LoopbackPortBusy(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.seedConfig(t, st, serverID, true)

	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", m.callbackPort))
	require.NoError(t, err)
	defer blocker.Close()

	err = m.Authenticate(context.Background(), serverID, nil)
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FlowProviderError, fe.Kind)
}

func TestGetAccessToken_NoTokenReturnsEmpty(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")

	tok, err := m.GetAccessToken(context.Background(), serverID)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestGetAccessToken_NoExpiryNeverRefreshes(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.seedConfig(t, st, serverID, true)
	seedToken(t, st, serverID, "long-lived", 0, true)

	tok, err := m.GetAccessToken(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, "long-lived", tok)
	assert.EqualValues(t, 0, provider.tokenHits.Load())
}

func TestGetAccessToken_FreshTokenPassesThrough(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.seedConfig(t, st, serverID, true)
	seedToken(t, st, serverID, "fresh", time.Hour, true)

	tok, err := m.GetAccessToken(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.EqualValues(t, 0, provider.refreshHits.Load())
}

func TestGetAccessToken_ConcurrentRefreshCoalesces(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.refreshDelay = 200 * time.Millisecond
	provider.seedConfig(t, st, serverID, true)
	// Expires within the refresh-ahead window.
	seedToken(t, st, serverID, "stale", 30*time.Second, true)

	const callers = 3
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetAccessToken(context.Background(), serverID)
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, provider.refreshHits.Load(),
		"exactly one refresh exchange must reach the token endpoint")
	for _, tok := range results {
		assert.Equal(t, results[0], tok)
		assert.NotEqual(t, "stale", tok)
	}

	stored, err := st.GetOAuthToken(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, results[0], stored.AccessToken)
	assert.Equal(t, 1, stored.RefreshCount)
}

func TestRefresh_InvalidGrantIsTerminal(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.refreshStatus = http.StatusBadRequest
	provider.refreshError = "invalid_grant"
	provider.seedConfig(t, st, serverID, true)
	seedToken(t, st, serverID, "stale", 30*time.Second, true)

	_, err := m.Refresh(context.Background(), serverID)
	var te *TokenError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TokenInvalidGrant, te.Kind)

	// No retries on invalid_grant, and the row is gone.
	assert.EqualValues(t, 1, provider.refreshHits.Load())
	_, err = st.GetOAuthToken(context.Background(), serverID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, StateFailed, m.State(serverID))
}

func TestRefresh_RetriesThenSurfacesFailure(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.refreshStatus = http.StatusInternalServerError
	provider.refreshError = "temporarily_unavailable"
	provider.seedConfig(t, st, serverID, true)
	seedToken(t, st, serverID, "stale", 30*time.Second, true)

	_, err := m.Refresh(context.Background(), serverID)
	var te *TokenError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TokenRefreshFail, te.Kind)
	assert.EqualValues(t, refreshMaxAttempts, provider.refreshHits.Load())
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")
	provider := newFakeProvider(t)
	provider.seedConfig(t, st, serverID, true)
	seedToken(t, st, serverID, "stale", 30*time.Second, false)

	_, err := m.Refresh(context.Background(), serverID)
	var te *TokenError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TokenRefreshFail, te.Kind)
	assert.EqualValues(t, 0, provider.refreshHits.Load())
}

func TestGetHeaders(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")

	headers, err := m.GetHeaders(context.Background(), serverID)
	require.NoError(t, err)
	assert.Empty(t, headers)

	seedToken(t, st, serverID, "live-token", time.Hour, false)
	headers, err = m.GetHeaders(context.Background(), serverID)
	require.NoError(t, err)
	assert.Equal(t, "Bearer live-token", headers["Authorization"])
}

func TestIntrospect(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/introspect" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		active := r.Form.Get("token") == "live-token"
		_ = json.NewEncoder(w).Encode(map[string]bool{"active": active})
	}))
	defer idp.Close()

	require.NoError(t, st.SaveOAuthConfig(context.Background(), &store.OAuthConfig{
		ServerID: serverID, Provider: ProviderCustom, ClientID: "client-1",
		AuthorizationEndpoint: idp.URL + "/authorize",
		TokenEndpoint:         idp.URL + "/token",
		IntrospectionEndpoint: idp.URL + "/introspect",
	}))

	// No token yet.
	active, err := m.Introspect(context.Background(), serverID)
	require.NoError(t, err)
	assert.False(t, active)

	seedToken(t, st, serverID, "live-token", time.Hour, false)
	active, err = m.Introspect(context.Background(), serverID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestRevoke_DeletesTokenAndCallsEndpoint(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, &scriptedBrowser{})
	serverID := seedServer(t, st, "srv")

	var revoked atomic.Bool
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/revoke" {
			revoked.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer idp.Close()

	require.NoError(t, st.SaveOAuthConfig(context.Background(), &store.OAuthConfig{
		ServerID: serverID, Provider: ProviderCustom, ClientID: "client-1",
		AuthorizationEndpoint: idp.URL + "/authorize",
		TokenEndpoint:         idp.URL + "/token",
		RevocationEndpoint:    idp.URL + "/revoke",
	}))
	seedToken(t, st, serverID, "tok", time.Hour, true)

	require.NoError(t, m.Revoke(context.Background(), serverID))
	assert.True(t, revoked.Load())
	_, err := st.GetOAuthToken(context.Background(), serverID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, StateConfigured, m.State(serverID))

	// Revoking again is a no-op.
	require.NoError(t, m.Revoke(context.Background(), serverID))
}
