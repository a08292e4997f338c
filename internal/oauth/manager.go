package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/crypto"
	"github.com/SShadowS/mcp-router/internal/oauth/governance"
	"github.com/SShadowS/mcp-router/internal/store"
)

const (
	// refreshAheadWindow triggers a refresh when the token expires within it.
	refreshAheadWindow = 300 * time.Second
	// refreshTimerLead re-arms the proactive refresh timer this far before expiry.
	refreshTimerLead = 5 * time.Minute
	// tokenHTTPTimeout bounds each token-endpoint attempt.
	tokenHTTPTimeout = 30 * time.Second
	// refreshMaxAttempts bounds refresh retries before surfacing failure.
	refreshMaxAttempts = 3
	// refreshBackoffCap caps the exponential backoff between attempts.
	refreshBackoffCap = 10 * time.Second
	// authStateMaxAge is the garbage-collection horizon for auth-state rows.
	authStateMaxAge = time.Hour

	stateTokenBytes    = 32
	verifierTokenBytes = 64
)

// FlowState is the per-server OAuth state machine position.
type FlowState string

const (
	StateUnconfigured  FlowState = "unconfigured"
	StateConfigured    FlowState = "configured"
	StateAuthorizing   FlowState = "authorizing"
	StateAuthenticated FlowState = "authenticated"
	StateRefreshing    FlowState = "refreshing"
	StateFailed        FlowState = "failed"
	StateRevoked       FlowState = "revoked"
)

// refreshFlight is one in-flight refresh that concurrent callers join.
type refreshFlight struct {
	done  chan struct{}
	token string
	err   error
}

// ConfigureOptions are the caller-supplied overrides merged over the
// provider template during Configure.
type ConfigureOptions struct {
	DiscoveryURL        string
	ClientID            string
	ClientSecret        string
	Scopes              []string
	UsePKCE             *bool
	DynamicRegistration bool
	Audience            string
	AdditionalParams    map[string]string
	// Endpoints override both template and discovery when set.
	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string
	IntrospectionEndpoint string
	UserinfoEndpoint      string
}

// Manager owns the OAuth lifecycle for every upstream server.
type Manager struct {
	store      *store.Store
	audit      *governance.Audit
	limiter    *governance.Limiter
	discovery  *Discoverer
	browser    Browser
	httpClient *http.Client
	logger     *zap.Logger

	callbackPort int

	mu       sync.Mutex
	inflight map[string]*refreshFlight
	timers   map[string]*time.Timer
	states   map[string]FlowState

	now func() time.Time
}

// NewManager creates the OAuth manager.
func NewManager(st *store.Store, audit *governance.Audit, limiter *governance.Limiter, browser Browser, logger *zap.Logger) *Manager {
	if browser == nil {
		browser = SystemBrowser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("oauth")
	httpClient := &http.Client{Timeout: tokenHTTPTimeout}
	return &Manager{
		store:        st,
		audit:        audit,
		limiter:      limiter,
		discovery:    NewDiscoverer(httpClient, logger),
		browser:      browser,
		httpClient:   httpClient,
		logger:       logger,
		callbackPort: CallbackPort,
		inflight:     make(map[string]*refreshFlight),
		timers:       make(map[string]*time.Timer),
		states:       make(map[string]FlowState),
		now:          time.Now,
	}
}

// Close cancels every refresh timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

// State returns the state machine position for a server.
func (m *Manager) State(serverID string) FlowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[serverID]; ok {
		return s
	}
	return StateUnconfigured
}

func (m *Manager) setState(serverID string, s FlowState) {
	m.mu.Lock()
	m.states[serverID] = s
	m.mu.Unlock()
}

// Configure merges the provider template with overrides, fills remaining
// endpoint gaps via discovery, and performs dynamic client registration when
// requested and no client id is known. Re-running with the same input is
// idempotent.
func (m *Manager) Configure(ctx context.Context, serverID, provider string, opts ConfigureOptions) error {
	if err := m.limiter.Allow(ctx, governance.LimitGeneral, serverID); err != nil {
		return err
	}

	cfg := &store.OAuthConfig{
		ServerID:              serverID,
		Provider:              provider,
		DiscoveryURL:          opts.DiscoveryURL,
		ClientID:              opts.ClientID,
		ClientSecret:          opts.ClientSecret,
		Scopes:                opts.Scopes,
		DynamicRegistration:   opts.DynamicRegistration,
		Audience:              opts.Audience,
		AdditionalParams:      opts.AdditionalParams,
		AuthorizationEndpoint: opts.AuthorizationEndpoint,
		TokenEndpoint:         opts.TokenEndpoint,
		RevocationEndpoint:    opts.RevocationEndpoint,
		IntrospectionEndpoint: opts.IntrospectionEndpoint,
		UserinfoEndpoint:      opts.UserinfoEndpoint,
	}
	if opts.UsePKCE != nil {
		cfg.UsePKCE = *opts.UsePKCE
	} else {
		cfg.UsePKCE = templatePKCE(provider)
	}

	// Preserve prior registration results so Configure stays idempotent.
	if prior, err := m.store.GetOAuthConfig(ctx, serverID); err == nil {
		if cfg.ClientID == "" {
			cfg.ClientID = prior.ClientID
		}
		if cfg.ClientSecret == "" {
			cfg.ClientSecret = prior.ClientSecret
		}
		cfg.RegistrationClientURI = prior.RegistrationClientURI
		cfg.RegistrationAccessToken = prior.RegistrationAccessToken
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	applyTemplate(cfg)

	var metadata *ServerMetadata
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		if cfg.DiscoveryURL == "" {
			return &ConfigurationError{ServerID: serverID, Message: "endpoints incomplete and no discovery URL configured"}
		}
		var err error
		metadata, err = m.discovery.Discover(ctx, cfg.DiscoveryURL)
		if err != nil {
			return err
		}
		if cfg.AuthorizationEndpoint == "" {
			cfg.AuthorizationEndpoint = metadata.AuthorizationEndpoint
		}
		if cfg.TokenEndpoint == "" {
			cfg.TokenEndpoint = metadata.TokenEndpoint
		}
		if cfg.RevocationEndpoint == "" {
			cfg.RevocationEndpoint = metadata.RevocationEndpoint
		}
		if cfg.IntrospectionEndpoint == "" {
			cfg.IntrospectionEndpoint = metadata.IntrospectionEndpoint
		}
		if cfg.UserinfoEndpoint == "" {
			cfg.UserinfoEndpoint = metadata.UserinfoEndpoint
		}
	}

	if cfg.DynamicRegistration && cfg.ClientID == "" {
		registrationEndpoint := ""
		if metadata != nil {
			registrationEndpoint = metadata.RegistrationEndpoint
		}
		if registrationEndpoint == "" && cfg.DiscoveryURL != "" {
			if meta, err := m.discovery.Discover(ctx, cfg.DiscoveryURL); err == nil {
				registrationEndpoint = meta.RegistrationEndpoint
			}
		}
		if registrationEndpoint == "" {
			return &ConfigurationError{ServerID: serverID, Message: "dynamic registration requested but no registration endpoint discovered"}
		}

		redirectURIs := []string{
			fmt.Sprintf("http://localhost:%d%s", m.callbackPort, CallbackPath),
			fmt.Sprintf("http://127.0.0.1:%d%s", m.callbackPort, CallbackPath),
			OOBRedirectURI,
		}
		reg, err := registerClient(ctx, m.httpClient, registrationEndpoint, redirectURIs, strings.Join(cfg.Scopes, " "))
		if err != nil {
			return &ConfigurationError{ServerID: serverID, Message: "dynamic client registration failed", Err: err}
		}
		cfg.ClientID = reg.ClientID
		cfg.ClientSecret = reg.ClientSecret
		cfg.RegistrationClientURI = reg.RegistrationClientURI
		cfg.RegistrationAccessToken = reg.RegistrationAccessToken
	}

	if err := m.store.SaveOAuthConfig(ctx, cfg); err != nil {
		return err
	}
	m.setState(serverID, StateConfigured)

	m.logger.Info("oauth configured",
		zap.String("server_id", serverID),
		zap.String("provider", provider),
		zap.Bool("pkce", cfg.UsePKCE))
	m.audit.Log(ctx, governance.EventConfigurationChanged, governance.SeverityInfo, serverID, map[string]any{
		"provider": provider,
	})
	return nil
}

// DeleteConfiguration removes a server's OAuth configuration and token.
func (m *Manager) DeleteConfiguration(ctx context.Context, serverID string) error {
	m.cancelTimer(serverID)
	if err := m.store.DeleteOAuthToken(ctx, serverID); err != nil {
		return err
	}
	if err := m.store.DeleteOAuthConfig(ctx, serverID); err != nil {
		return err
	}
	m.setState(serverID, StateUnconfigured)
	m.audit.Log(ctx, governance.EventConfigurationDeleted, governance.SeverityInfo, serverID, nil)
	return nil
}

// Authenticate runs the browser-driven authorization-code flow for a server
// and persists the resulting token. It blocks until the redirect arrives,
// the flow times out, or ctx is cancelled.
func (m *Manager) Authenticate(ctx context.Context, serverID string, scopes []string) error {
	if err := m.limiter.Allow(ctx, governance.LimitAuth, serverID); err != nil {
		return err
	}

	cfg, err := m.store.GetOAuthConfig(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return &ConfigurationError{ServerID: serverID, Message: "server has no OAuth configuration"}
	}
	if err != nil {
		return err
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return &ConfigurationError{ServerID: serverID, Message: "authorization or token endpoint missing"}
	}
	if len(scopes) == 0 {
		scopes = cfg.Scopes
	}

	// Expired in-flight authorizations are collected opportunistically here.
	if _, err := m.store.DeleteExpiredAuthStates(ctx, m.now().Add(-authStateMaxAge)); err != nil {
		m.logger.Warn("auth state garbage collection failed", zap.Error(err))
	}

	stateParam, err := crypto.RandomToken(stateTokenBytes)
	if err != nil {
		return err
	}

	var verifier, challenge string
	if cfg.UsePKCE {
		if verifier, err = crypto.RandomToken(verifierTokenBytes); err != nil {
			return err
		}
		challenge = crypto.PKCEChallenge(verifier)
	}

	cs, err := startCallbackServer(m.callbackPort)
	if err != nil {
		return &FlowError{ServerID: serverID, Kind: FlowProviderError, Err: err}
	}
	defer cs.Close()

	authState := &store.AuthState{
		State:         stateParam,
		ServerID:      serverID,
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		RedirectURI:   cs.RedirectURI(),
		Scopes:        scopes,
	}
	if err := m.store.SaveAuthState(ctx, authState); err != nil {
		return err
	}
	defer func() {
		_ = m.store.DeleteAuthState(context.Background(), stateParam)
	}()

	authURL, err := buildAuthorizationURL(cfg, authState)
	if err != nil {
		return &ConfigurationError{ServerID: serverID, Message: "invalid authorization endpoint", Err: err}
	}

	m.setState(serverID, StateAuthorizing)
	m.audit.Log(ctx, governance.EventAuthenticationStarted, governance.SeverityInfo, serverID, map[string]any{
		"provider": cfg.Provider,
	})

	if err := m.browser.Open(authURL); err != nil {
		m.setState(serverID, StateFailed)
		return &FlowError{ServerID: serverID, Kind: FlowProviderError, Err: fmt.Errorf("opening browser: %w", err)}
	}

	result, err := cs.Wait(ctx)
	if err != nil {
		m.setState(serverID, StateFailed)
		kind := FlowCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			kind = FlowTimeout
		}
		m.audit.Log(ctx, governance.EventAuthenticationFailed, governance.SeverityWarning, serverID, map[string]any{
			"reason": string(kind),
		})
		return &FlowError{ServerID: serverID, Kind: kind, Err: err}
	}

	if result.errCode != "" {
		m.setState(serverID, StateFailed)
		kind := FlowProviderError
		if result.errCode == "access_denied" {
			kind = FlowCancelled
		}
		m.audit.Log(ctx, governance.EventAuthenticationFailed, governance.SeverityWarning, serverID, map[string]any{
			"error":       result.errCode,
			"description": result.errDescr,
		})
		return &FlowError{ServerID: serverID, Kind: kind,
			Err: fmt.Errorf("%s: %s", result.errCode, result.errDescr)}
	}

	if result.state != stateParam {
		m.setState(serverID, StateFailed)
		m.audit.Log(ctx, governance.EventSuspiciousActivity, governance.SeverityCritical, serverID, map[string]any{
			"reason": "oauth state mismatch on callback",
		})
		return &FlowError{ServerID: serverID, Kind: FlowStateMismatch}
	}

	tokenResp, err := m.exchangeCode(ctx, cfg, result.code, verifier, cs.RedirectURI())
	if err != nil {
		m.setState(serverID, StateFailed)
		m.audit.Log(ctx, governance.EventAuthenticationFailed, governance.SeverityError, serverID, map[string]any{
			"stage": "token_exchange",
			"error": err.Error(),
		})
		return &FlowError{ServerID: serverID, Kind: FlowProviderError, Err: err}
	}

	tok := tokenResp.toRecord(serverID, m.now())
	if err := m.store.SaveOAuthToken(ctx, tok); err != nil {
		return err
	}
	m.setState(serverID, StateAuthenticated)
	m.armRefreshTimer(serverID, tok.ExpiresAt)

	m.logger.Info("oauth authentication completed", zap.String("server_id", serverID))
	m.audit.Log(ctx, governance.EventAuthenticationComplete, governance.SeverityInfo, serverID, nil)
	m.audit.Log(ctx, governance.EventTokenCreated, governance.SeverityInfo, serverID, map[string]any{
		"scopes": strings.Join(tok.Scopes, " "),
	})
	return nil
}

// buildAuthorizationURL assembles the browser URL for an authorization request.
func buildAuthorizationURL(cfg *store.OAuthConfig, state *store.AuthState) (string, error) {
	u, err := url.Parse(cfg.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", state.RedirectURI)
	q.Set("state", state.State)
	if len(state.Scopes) > 0 {
		q.Set("scope", strings.Join(state.Scopes, " "))
	}
	if state.CodeChallenge != "" {
		q.Set("code_challenge", state.CodeChallenge)
		q.Set("code_challenge_method", "S256")
	}
	if cfg.Audience != "" {
		q.Set("audience", cfg.Audience)
	}
	for k, v := range cfg.AdditionalParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// GetAccessToken returns a live access token for a server, refreshing first
// when it expires within the refresh-ahead window. It returns "" without
// error when the server has no token. Tokens without an expiry never
// auto-refresh.
func (m *Manager) GetAccessToken(ctx context.Context, serverID string) (string, error) {
	tok, err := m.store.GetOAuthToken(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if tok.ExpiresAt == nil || time.UnixMilli(*tok.ExpiresAt).Sub(m.now()) > refreshAheadWindow {
		tok.LastUsed = m.now().UnixMilli()
		if err := m.store.SaveOAuthToken(ctx, tok); err != nil {
			m.logger.Warn("failed to record token use", zap.Error(err))
		}
		return tok.AccessToken, nil
	}

	return m.Refresh(ctx, serverID)
}

// Refresh obtains a fresh access token for a server. Concurrent callers for
// the same server coalesce onto one in-flight exchange and all receive its
// outcome.
func (m *Manager) Refresh(ctx context.Context, serverID string) (string, error) {
	m.mu.Lock()
	if flight, ok := m.inflight[serverID]; ok {
		m.mu.Unlock()
		select {
		case <-flight.done:
			return flight.token, flight.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	flight := &refreshFlight{done: make(chan struct{})}
	m.inflight[serverID] = flight
	m.states[serverID] = StateRefreshing
	m.mu.Unlock()

	token, err := m.doRefresh(ctx, serverID)

	m.mu.Lock()
	flight.token = token
	flight.err = err
	delete(m.inflight, serverID)
	if err == nil {
		m.states[serverID] = StateAuthenticated
	} else {
		m.states[serverID] = StateFailed
	}
	m.mu.Unlock()
	close(flight.done)

	return token, err
}

// doRefresh performs the actual refresh with bounded retries and backoff.
func (m *Manager) doRefresh(ctx context.Context, serverID string) (string, error) {
	if err := m.limiter.Allow(ctx, governance.LimitRefresh, serverID); err != nil {
		return "", err
	}

	tok, err := m.store.GetOAuthToken(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return "", &TokenError{ServerID: serverID, Kind: TokenExpired, Err: fmt.Errorf("no token to refresh")}
	}
	if err != nil {
		return "", err
	}
	if tok.RefreshToken == "" {
		return "", &TokenError{ServerID: serverID, Kind: TokenRefreshFail, Err: fmt.Errorf("no refresh token available")}
	}

	cfg, err := m.store.GetOAuthConfig(ctx, serverID)
	if err != nil {
		return "", err
	}

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= refreshMaxAttempts; attempt++ {
		resp, err := m.exchangeRefresh(ctx, cfg, tok.RefreshToken)
		if err == nil {
			updated := resp.toRecord(serverID, m.now())
			if updated.RefreshToken == "" {
				// Providers may omit the refresh token on rotation; keep the old one.
				updated.RefreshToken = tok.RefreshToken
			}
			updated.RefreshCount = tok.RefreshCount + 1
			if err := m.store.SaveOAuthToken(ctx, updated); err != nil {
				return "", err
			}
			m.armRefreshTimer(serverID, updated.ExpiresAt)
			m.audit.Log(ctx, governance.EventTokenRefreshed, governance.SeverityInfo, serverID, map[string]any{
				"refresh_count": updated.RefreshCount,
			})
			return updated.AccessToken, nil
		}

		var oe *oauthHTTPError
		if errors.As(err, &oe) && oe.Code == "invalid_grant" {
			// Terminal: the refresh token is dead. Drop the row.
			if delErr := m.store.DeleteOAuthToken(ctx, serverID); delErr != nil {
				m.logger.Warn("failed to delete dead token", zap.Error(delErr))
			}
			m.cancelTimer(serverID)
			m.audit.Log(ctx, governance.EventTokenExpired, governance.SeverityWarning, serverID, map[string]any{
				"error": "invalid_grant",
			})
			return "", &TokenError{ServerID: serverID, Kind: TokenInvalidGrant, Err: err}
		}

		lastErr = err
		m.logger.Warn("token refresh attempt failed",
			zap.String("server_id", serverID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < refreshMaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
			if backoff > refreshBackoffCap {
				backoff = refreshBackoffCap
			}
		}
	}

	m.audit.Log(ctx, governance.EventTokenValidationFailed, governance.SeverityError, serverID, map[string]any{
		"error": lastErr.Error(),
	})
	return "", &TokenError{ServerID: serverID, Kind: TokenRefreshFail, Err: lastErr}
}

// Introspect posts the stored access token to the introspection endpoint
// (RFC 7662) and reports whether the provider still considers it active.
func (m *Manager) Introspect(ctx context.Context, serverID string) (bool, error) {
	if err := m.limiter.Allow(ctx, governance.LimitGeneral, serverID); err != nil {
		return false, err
	}

	tok, err := m.store.GetOAuthToken(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cfg, err := m.store.GetOAuthConfig(ctx, serverID)
	if err != nil {
		return false, err
	}
	if cfg.IntrospectionEndpoint == "" {
		return false, &ConfigurationError{ServerID: serverID, Message: "no introspection endpoint configured"}
	}

	form := url.Values{}
	form.Set("token", tok.AccessToken)
	form.Set("token_type_hint", "access_token")
	if cfg.ClientID != "" {
		form.Set("client_id", cfg.ClientID)
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("invalid introspection response: %w", err)
	}
	return out.Active, nil
}

// Revoke cancels the refresh timer, calls the revocation endpoint
// best-effort, and deletes the token row.
func (m *Manager) Revoke(ctx context.Context, serverID string) error {
	m.cancelTimer(serverID)

	tok, err := m.store.GetOAuthToken(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := m.store.GetOAuthConfig(ctx, serverID)
	if err == nil && cfg.RevocationEndpoint != "" {
		form := url.Values{}
		form.Set("token", tok.AccessToken)
		form.Set("token_type_hint", "access_token")
		if cfg.ClientID != "" {
			form.Set("client_id", cfg.ClientID)
		}
		if cfg.ClientSecret != "" {
			form.Set("client_secret", cfg.ClientSecret)
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			cfg.RevocationEndpoint, strings.NewReader(form.Encode()))
		if reqErr == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if resp, doErr := m.httpClient.Do(req); doErr == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			} else {
				m.logger.Warn("revocation endpoint call failed", zap.Error(doErr))
			}
		}
	}

	if err := m.store.DeleteOAuthToken(ctx, serverID); err != nil {
		return err
	}
	m.setState(serverID, StateRevoked)
	m.audit.Log(ctx, governance.EventTokenRevoked, governance.SeverityInfo, serverID, nil)

	// A revoked server keeps its configuration and can re-authenticate.
	m.setState(serverID, StateConfigured)
	return nil
}

// GetHeaders is the pull interface the server manager calls before opening a
// transport. Servers without OAuth get an empty map.
func (m *Manager) GetHeaders(ctx context.Context, serverID string) (map[string]string, error) {
	token, err := m.GetAccessToken(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return map[string]string{}, nil
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// armRefreshTimer schedules a proactive refresh ahead of expiry. Tokens
// without an expiry are never auto-refreshed.
func (m *Manager) armRefreshTimer(serverID string, expiresAt *int64) {
	m.cancelTimer(serverID)
	if expiresAt == nil {
		return
	}
	fireIn := time.UnixMilli(*expiresAt).Sub(m.now()) - refreshTimerLead
	if fireIn <= 0 {
		return
	}
	m.mu.Lock()
	m.timers[serverID] = time.AfterFunc(fireIn, func() {
		ctx, cancel := context.WithTimeout(context.Background(), tokenHTTPTimeout*refreshMaxAttempts)
		defer cancel()
		if _, err := m.Refresh(ctx, serverID); err != nil {
			m.logger.Warn("scheduled token refresh failed",
				zap.String("server_id", serverID), zap.Error(err))
		}
	})
	m.mu.Unlock()
}

func (m *Manager) cancelTimer(serverID string) {
	m.mu.Lock()
	if timer, ok := m.timers[serverID]; ok {
		timer.Stop()
		delete(m.timers, serverID)
	}
	m.mu.Unlock()
}
