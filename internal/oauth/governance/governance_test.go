package governance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/crypto"
	"github.com/SShadowS/mcp-router/internal/store"
)

// testEnv bundles the store, crypto service, and data dir most governance
// tests need.
type testEnv struct {
	dir    string
	crypto *crypto.Service
	store  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cryptoSvc, err := crypto.LoadOrCreate(filepath.Join(dir, ".oauth-key"))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "store.db"), cryptoSvc, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &testEnv{dir: dir, crypto: cryptoSvc, store: st}
}

// seedOAuthServer persists a server plus its OAuth config and token.
func (e *testEnv) seedOAuthServer(t *testing.T, name, accessToken string) string {
	t.Helper()
	ctx := context.Background()

	server := &config.ServerConfig{
		Name: name, Type: config.ServerTypeRemoteStreamable,
		RemoteURL: "https://" + name + ".example.com/mcp",
	}
	require.NoError(t, e.store.SaveServer(ctx, server))
	require.NoError(t, e.store.SaveOAuthConfig(ctx, &store.OAuthConfig{
		ServerID: server.ID, Provider: "custom",
		TokenEndpoint: "https://" + name + ".example.com/token",
		ClientID:      "client-" + name, ClientSecret: "secret-" + name,
		UsePKCE: true,
	}))
	require.NoError(t, e.store.SaveOAuthToken(ctx, &store.OAuthToken{
		ServerID: server.ID, AccessToken: accessToken,
		RefreshToken: "refresh-" + name, TokenType: "Bearer",
	}))
	return server.ID
}

func (e *testEnv) newBackups(t *testing.T) *Backups {
	t.Helper()
	backups, err := NewBackups(filepath.Join(e.dir, "oauth-backups"),
		e.store, e.crypto, nil, "test", zap.NewNop())
	require.NoError(t, err)
	return backups
}
