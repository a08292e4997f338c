package oauth

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// RetryTransport wraps an HTTP RoundTripper so that SSE requests rejected
// with 401 trigger exactly one token refresh and one retry with the fresh
// Authorization header. If the refresh fails, the failure surfaces instead
// of the original 401.
type RetryTransport struct {
	inner    http.RoundTripper
	manager  *Manager
	serverID string
	logger   *zap.Logger
}

// NewRetryTransport builds the OAuth-aware transport for one server.
func NewRetryTransport(inner http.RoundTripper, manager *Manager, serverID string, logger *zap.Logger) *RetryTransport {
	if inner == nil {
		inner = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryTransport{
		inner:    inner,
		manager:  manager,
		serverID: serverID,
		logger:   logger.Named("oauth-transport"),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// Requests with a body cannot be replayed without GetBody.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	t.logger.Debug("upstream returned 401, attempting token refresh",
		zap.String("server_id", t.serverID))

	token, refreshErr := t.manager.Refresh(req.Context(), t.serverID)
	if refreshErr != nil {
		resp.Body.Close()
		return nil, &TokenError{
			ServerID: t.serverID,
			Kind:     TokenRefreshFail,
			Err:      fmt.Errorf("refresh after 401: %w", refreshErr),
		}
	}
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)
	return t.inner.RoundTrip(retry)
}
