package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/crypto"
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

// fakeClient is a scriptable ToolClient.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	tools      []ToolInfo
	calls      []string
	headers    map[string]string
}

func (f *fakeClient) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) ListTools(context.Context) ([]ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return &mcp.CallToolResult{}, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

// fakeFleet builds fakeClients per server name and records factory calls.
type fakeFleet struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	created atomic.Int32
	headers map[string]map[string]string
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		clients: make(map[string]*fakeClient),
		headers: make(map[string]map[string]string),
	}
}

func (f *fakeFleet) factory(server *config.ServerConfig, headers map[string]string, _ http.RoundTripper, _ *zap.Logger) (ToolClient, error) {
	f.created.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[server.Name] = headers
	client, ok := f.clients[server.Name]
	if !ok {
		client = &fakeClient{}
		f.clients[server.Name] = client
	}
	client.headers = headers
	return client, nil
}

type staticHeaders map[string]string

func (h staticHeaders) GetHeaders(context.Context, string) (map[string]string, error) {
	return h, nil
}

func newTestManager(t *testing.T, fleet *fakeFleet, headers HeaderSource, onTools DiscoveryHandler) (*Manager, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	m := NewManager(st, headers, onTools, fleet.factory, zap.NewNop())
	return m, st
}

func addServer(t *testing.T, m *Manager, name string, mutate func(*config.ServerConfig)) string {
	t.Helper()
	server := &config.ServerConfig{Name: name, Type: config.ServerTypeLocal, Command: "true"}
	if mutate != nil {
		mutate(server)
	}
	require.NoError(t, m.AddServer(context.Background(), server))
	return server.ID
}

func TestStart_IsIdempotent(t *testing.T) {
	fleet := newFakeFleet()
	m, _ := newTestManager(t, fleet, nil, nil)
	id := addServer(t, m, "srv", nil)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, id))
	require.NoError(t, m.Start(ctx, id))

	assert.EqualValues(t, 1, fleet.created.Load())
	status, _ := m.Status(id)
	assert.Equal(t, config.StatusRunning, status)
	_, ok := m.GetClient(id)
	assert.True(t, ok)
}

func TestStart_RejectsDisabledAndUnknown(t *testing.T) {
	fleet := newFakeFleet()
	m, _ := newTestManager(t, fleet, nil, nil)
	ctx := context.Background()

	id := addServer(t, m, "off", func(s *config.ServerConfig) { s.Disabled = true })
	assert.ErrorIs(t, m.Start(ctx, id), ErrServerDisabled)
	assert.ErrorIs(t, m.Start(ctx, "nope"), ErrServerUnknown)
}

func TestStart_FailureSetsErrorStatus(t *testing.T) {
	fleet := newFakeFleet()
	fleet.clients["srv"] = &fakeClient{connectErr: errors.New("spawn failed: exit 1")}
	m, _ := newTestManager(t, fleet, nil, nil)
	id := addServer(t, m, "srv", nil)

	err := m.Start(context.Background(), id)
	require.Error(t, err)

	status, _ := m.Status(id)
	assert.Equal(t, config.StatusError, status)
	snapshot := m.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Contains(t, snapshot[0].ErrorMessage, "spawn failed")
	_, ok := m.GetClient(id)
	assert.False(t, ok, "a failed server must hold no live transport")
}

func TestStopIsIdempotentAndDropsTransport(t *testing.T) {
	fleet := newFakeFleet()
	m, _ := newTestManager(t, fleet, nil, nil)
	id := addServer(t, m, "srv", nil)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, id))
	require.NoError(t, m.Stop(ctx, id))
	require.NoError(t, m.Stop(ctx, id))

	status, _ := m.Status(id)
	assert.Equal(t, config.StatusStopped, status)
	_, ok := m.GetClient(id)
	assert.False(t, ok)
	assert.False(t, fleet.clients["srv"].connected)
}

func TestRemove_CascadesTokenGrants(t *testing.T) {
	fleet := newFakeFleet()
	m, st := newTestManager(t, fleet, nil, nil)
	ctx := context.Background()

	idA := addServer(t, m, "a", nil)
	idB := addServer(t, m, "b", nil)

	client := &config.ClientConfig{Name: "cli"}
	require.NoError(t, st.SaveClient(ctx, client))
	require.NoError(t, st.SaveToken(ctx, &store.Token{
		ID: "tok", ClientID: client.ID, ServerIDs: []string{idA, idB},
	}))

	require.NoError(t, m.Start(ctx, idA))
	require.NoError(t, m.Remove(ctx, idA))

	tok, err := st.GetToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{idB}, tok.ServerIDs)

	_, ok := m.ResolveID("a")
	assert.False(t, ok)
	assert.ErrorIs(t, m.Start(ctx, idA), ErrServerUnknown)
}

func TestResolveID_ByNameAndID(t *testing.T) {
	fleet := newFakeFleet()
	m, _ := newTestManager(t, fleet, nil, nil)
	id := addServer(t, m, "named", nil)

	got, ok := m.ResolveID("named")
	assert.True(t, ok)
	assert.Equal(t, id, got)

	got, ok = m.ResolveID(id)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = m.ResolveID("missing")
	assert.False(t, ok)
}

func TestStart_RemoteHeadersMergeBearerAndOAuth(t *testing.T) {
	fleet := newFakeFleet()
	m, _ := newTestManager(t, fleet, staticHeaders{"Authorization": "Bearer oauth-token"}, nil)
	id := addServer(t, m, "remote", func(s *config.ServerConfig) {
		s.Type = config.ServerTypeRemoteStreamable
		s.Command = ""
		s.RemoteURL = "https://example.com/mcp"
		s.BearerToken = "configured-bearer"
	})

	require.NoError(t, m.Start(context.Background(), id))

	// OAuth injection wins over the pre-configured bearer token.
	assert.Equal(t, "Bearer oauth-token", fleet.headers["remote"]["Authorization"])
}

func TestStart_TriggersToolDiscovery(t *testing.T) {
	fleet := newFakeFleet()
	fleet.clients["srv"] = &fakeClient{tools: []ToolInfo{{Name: "t1", Description: "d1"}}}

	discovered := make(chan []ToolInfo, 1)
	m, _ := newTestManager(t, fleet, nil,
		func(_ context.Context, _ string, tools []ToolInfo) {
			discovered <- tools
		})
	id := addServer(t, m, "srv", nil)

	require.NoError(t, m.Start(context.Background(), id))

	select {
	case tools := <-discovered:
		require.Len(t, tools, 1)
		assert.Equal(t, "t1", tools[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("tool discovery did not fire")
	}
}

func TestAutoStartAll(t *testing.T) {
	fleet := newFakeFleet()
	fleet.clients["bad"] = &fakeClient{connectErr: fmt.Errorf("boom")}
	m, _ := newTestManager(t, fleet, nil, nil)

	idAuto := addServer(t, m, "auto", func(s *config.ServerConfig) { s.AutoStart = true })
	idBad := addServer(t, m, "bad", func(s *config.ServerConfig) { s.AutoStart = true })
	idManual := addServer(t, m, "manual", nil)

	// Failures never abort startup.
	require.NoError(t, m.AutoStartAll(context.Background()))

	status, _ := m.Status(idAuto)
	assert.Equal(t, config.StatusRunning, status)
	status, _ = m.Status(idBad)
	assert.Equal(t, config.StatusError, status)
	status, _ = m.Status(idManual)
	assert.Equal(t, config.StatusStopped, status)
}

func TestClearAll(t *testing.T) {
	fleet := newFakeFleet()
	m, _ := newTestManager(t, fleet, nil, nil)
	id := addServer(t, m, "srv", nil)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, id))
	m.ClearAll(ctx)

	assert.Empty(t, m.Snapshot())
	_, ok := m.GetClient(id)
	assert.False(t, ok)
	assert.False(t, fleet.clients["srv"].connected)
}

func TestLoadAll_PopulatesMirror(t *testing.T) {
	fleet := newFakeFleet()
	m, st := newTestManager(t, fleet, nil, nil)
	ctx := context.Background()

	server := &config.ServerConfig{Name: "persisted", Type: config.ServerTypeLocal, Command: "true"}
	require.NoError(t, st.SaveServer(ctx, server))

	require.NoError(t, m.LoadAll(ctx))
	id, ok := m.ResolveID("persisted")
	assert.True(t, ok)
	status, _ := m.Status(id)
	assert.Equal(t, config.StatusStopped, status)
}
