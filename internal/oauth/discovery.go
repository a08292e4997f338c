package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// discoveryCacheTTL bounds how long discovered metadata is reused.
const discoveryCacheTTL = 24 * time.Hour

// wellKnownPaths are tried in order against the server base URL. A 200 with
// invalid JSON falls through to the next path.
var wellKnownPaths = []string{
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
	"/.well-known/oauth2-metadata",
}

// ServerMetadata is the subset of RFC 8414 authorization-server metadata the
// router consumes.
type ServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RevocationEndpoint    string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint string   `json:"introspection_endpoint,omitempty"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported   []string `json:"grant_types_supported,omitempty"`
}

type discoveryEntry struct {
	metadata *ServerMetadata
	fetched  time.Time
}

// Discoverer fetches authorization-server metadata with an in-memory cache.
type Discoverer struct {
	client *http.Client
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*discoveryEntry
	now   func() time.Time
}

// NewDiscoverer creates a metadata discoverer.
func NewDiscoverer(client *http.Client, logger *zap.Logger) *Discoverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		client: client,
		logger: logger.Named("oauth-discovery"),
		cache:  make(map[string]*discoveryEntry),
		now:    time.Now,
	}
}

// Discover resolves metadata for baseURL, trying each well-known path in
// order and caching the result for 24 hours.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) (*ServerMetadata, error) {
	base := strings.TrimRight(baseURL, "/")

	d.mu.Lock()
	if entry, ok := d.cache[base]; ok && d.now().Sub(entry.fetched) < discoveryCacheTTL {
		d.mu.Unlock()
		return entry.metadata, nil
	}
	d.mu.Unlock()

	var lastErr error
	for _, path := range wellKnownPaths {
		metadata, err := d.fetch(ctx, base+path)
		if err != nil {
			lastErr = err
			d.logger.Debug("discovery attempt failed",
				zap.String("url", base+path),
				zap.Error(err))
			continue
		}
		d.mu.Lock()
		d.cache[base] = &discoveryEntry{metadata: metadata, fetched: d.now()}
		d.mu.Unlock()
		return metadata, nil
	}
	return nil, &ConfigurationError{
		Message: fmt.Sprintf("metadata discovery failed for %s", base),
		Err:     lastErr,
	}
}

func (d *Discoverer) fetch(ctx context.Context, url string) (*ServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}

	var metadata ServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata missing required endpoints")
	}
	return &metadata, nil
}
