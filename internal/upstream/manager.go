package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/secret"
	"github.com/SShadowS/mcp-router/internal/store"
)

// ErrServerUnknown is returned for operations on servers the manager does
// not know.
var ErrServerUnknown = errors.New("unknown server")

// ErrServerDisabled is returned when starting a disabled server.
var ErrServerDisabled = errors.New("server is disabled")

// HeaderSource supplies outbound auth headers for a server right before a
// transport opens. The OAuth manager implements it; the pull shape keeps the
// OAuth layer from depending on this package.
type HeaderSource interface {
	GetHeaders(ctx context.Context, serverID string) (map[string]string, error)
}

// DiscoveryHandler receives the tool list of a freshly running server.
type DiscoveryHandler func(ctx context.Context, serverID string, tools []ToolInfo)

// ServerState is a point-in-time view of one supervised server.
type ServerState struct {
	Config       *config.ServerConfig
	Status       config.Status
	ErrorMessage string
}

// Manager supervises every upstream MCP connection: start, stop, restart,
// removal, auto-start, and the live transport pool.
type Manager struct {
	store     *store.Store
	headers   HeaderSource
	factory   ClientFactory
	onTools   DiscoveryHandler
	resolver  *secret.Resolver
	logger    *zap.Logger

	// WrapHTTPTransport, when set, supplies the per-server HTTP transport
	// used by SSE connections (the OAuth 401-retry wrapper).
	WrapHTTPTransport func(serverID string) http.RoundTripper

	mu       sync.RWMutex
	servers  map[string]*config.ServerConfig
	clients  map[string]ToolClient
	nameToID map[string]string
	status   map[string]config.Status
	errMsgs  map[string]string

	lockMu      sync.Mutex
	serverLocks map[string]*sync.Mutex
}

// NewManager creates the server manager. factory may be nil to use the
// production MCP client.
func NewManager(st *store.Store, headers HeaderSource, onTools DiscoveryHandler, factory ClientFactory, logger *zap.Logger) *Manager {
	if factory == nil {
		factory = NewMCPClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       st,
		headers:     headers,
		factory:     factory,
		onTools:     onTools,
		resolver:    secret.NewResolver(),
		logger:      logger.Named("upstream"),
		servers:     make(map[string]*config.ServerConfig),
		clients:     make(map[string]ToolClient),
		nameToID:    make(map[string]string),
		status:      make(map[string]config.Status),
		errMsgs:     make(map[string]string),
		serverLocks: make(map[string]*sync.Mutex),
	}
}

// serverLock returns the per-server mutex that serializes start/stop/remove.
// It is a plain sync.Mutex, so waiters are not guaranteed to acquire it in
// the order their requests arrived.
func (m *Manager) serverLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.serverLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.serverLocks[id] = lock
	}
	return lock
}

// LoadAll populates the in-memory mirror from the store.
func (m *Manager) LoadAll(ctx context.Context) error {
	servers, err := m.store.ListServers(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, server := range servers {
		m.servers[server.ID] = server
		m.nameToID[server.Name] = server.ID
		m.status[server.ID] = config.StatusStopped
	}
	return nil
}

// AddServer persists a new server definition and registers it stopped.
func (m *Manager) AddServer(ctx context.Context, server *config.ServerConfig) error {
	if err := m.store.SaveServer(ctx, server); err != nil {
		return err
	}
	m.mu.Lock()
	m.servers[server.ID] = server
	m.nameToID[server.Name] = server.ID
	m.status[server.ID] = config.StatusStopped
	m.mu.Unlock()
	m.logger.Info("server added",
		zap.String("id", server.ID),
		zap.String("name", server.Name),
		zap.String("type", string(server.Type)))
	return nil
}

// UpdateServer persists changes to an existing definition. A running server
// keeps its current transport; restart to pick the changes up.
func (m *Manager) UpdateServer(ctx context.Context, server *config.ServerConfig) error {
	m.mu.RLock()
	prior, ok := m.servers[server.ID]
	m.mu.RUnlock()
	if !ok {
		return ErrServerUnknown
	}
	if err := m.store.SaveServer(ctx, server); err != nil {
		return err
	}
	m.mu.Lock()
	if prior.Name != server.Name {
		delete(m.nameToID, prior.Name)
	}
	m.servers[server.ID] = server
	m.nameToID[server.Name] = server.ID
	m.mu.Unlock()
	return nil
}

// ResolveID maps a server reference (id or unique name) to its id.
func (m *Manager) ResolveID(ref string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.servers[ref]; ok {
		return ref, true
	}
	id, ok := m.nameToID[ref]
	return id, ok
}

// GetClient returns the live transport for a running server.
func (m *Manager) GetClient(id string) (ToolClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[id]
	return client, ok
}

// Status returns the runtime status for a server.
func (m *Manager) Status(id string) (config.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.status[id]
	return status, ok
}

// Snapshot returns a point-in-time view of every supervised server.
func (m *Manager) Snapshot() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerState, 0, len(m.servers))
	for id, server := range m.servers {
		out = append(out, ServerState{
			Config:       server,
			Status:       m.status[id],
			ErrorMessage: m.errMsgs[id],
		})
	}
	return out
}

// Logs returns the captured stderr tail for a local server, if any.
func (m *Manager) Logs(id string) []string {
	m.mu.RLock()
	client, ok := m.clients[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if withLogs, ok := client.(interface{ Logs() []string }); ok {
		return withLogs.Logs()
	}
	return nil
}

func (m *Manager) setStatus(id string, status config.Status, errMsg string) {
	m.mu.Lock()
	m.status[id] = status
	if errMsg == "" {
		delete(m.errMsgs, id)
	} else {
		m.errMsgs[id] = errMsg
	}
	m.mu.Unlock()
}

// Start brings a server up. Starting a running server is a no-op; starting a
// disabled or unknown server is an error. The spawn-to-first-message window
// is bounded by the connect timeout.
func (m *Manager) Start(ctx context.Context, id string) error {
	lock := m.serverLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	server, known := m.servers[id]
	status := m.status[id]
	m.mu.RUnlock()

	if !known {
		return ErrServerUnknown
	}
	if server.Disabled {
		return fmt.Errorf("server %s: %w", server.Name, ErrServerDisabled)
	}
	if status == config.StatusRunning {
		return nil
	}

	m.setStatus(id, config.StatusStarting, "")

	headers, err := m.buildHeaders(ctx, server)
	if err != nil {
		m.setStatus(id, config.StatusError, err.Error())
		return err
	}

	var httpTransport http.RoundTripper
	if server.Type == config.ServerTypeRemote && m.WrapHTTPTransport != nil {
		httpTransport = m.WrapHTTPTransport(id)
	}

	client, err := m.factory(server, headers, httpTransport, m.logger)
	if err != nil {
		m.setStatus(id, config.StatusError, err.Error())
		return err
	}

	if err := client.Connect(ctx); err != nil {
		errMsg := err.Error()
		if withLogs, ok := client.(interface{ Logs() []string }); ok {
			if tail := withLogs.Logs(); len(tail) > 0 {
				errMsg = errMsg + "; stderr: " + strings.Join(tail[max(0, len(tail)-5):], " | ")
			}
		}
		_ = client.Close()
		m.setStatus(id, config.StatusError, errMsg)
		m.logger.Error("server start failed",
			zap.String("id", id),
			zap.String("name", server.Name),
			zap.Error(err))
		return fmt.Errorf("starting server %s: %w", server.Name, err)
	}

	m.mu.Lock()
	m.clients[id] = client
	m.status[id] = config.StatusRunning
	delete(m.errMsgs, id)
	m.mu.Unlock()

	m.logger.Info("server started",
		zap.String("id", id),
		zap.String("name", server.Name),
		zap.String("type", string(server.Type)))

	if m.onTools != nil {
		go m.discoverTools(id, server.Name, client)
	}
	return nil
}

// discoverTools lists the upstream's tools and hands them to the discovery
// handler. Runs detached from Start so a slow listTools never blocks it.
func (m *Manager) discoverTools(id, name string, client ToolClient) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	tools, err := client.ListTools(ctx)
	if err != nil {
		m.logger.Warn("tool discovery failed",
			zap.String("server", name), zap.Error(err))
		return
	}
	m.logger.Info("tools discovered",
		zap.String("server", name), zap.Int("count", len(tools)))
	m.onTools(ctx, id, tools)
}

// buildHeaders assembles outbound headers for remote transports: the
// configured bearer token first, then OAuth injection on top of it.
func (m *Manager) buildHeaders(ctx context.Context, server *config.ServerConfig) (map[string]string, error) {
	headers := make(map[string]string)
	if server.Type == config.ServerTypeLocal {
		return headers, nil
	}

	if server.BearerToken != "" {
		bearer, err := m.resolver.Expand(ctx, server.BearerToken)
		if err != nil {
			return nil, fmt.Errorf("resolving bearer token: %w", err)
		}
		headers["Authorization"] = "Bearer " + bearer
	}

	if m.headers != nil {
		oauthHeaders, err := m.headers.GetHeaders(ctx, server.ID)
		if err != nil {
			return nil, err
		}
		for k, v := range oauthHeaders {
			headers[k] = v
		}
	}
	return headers, nil
}

// Stop closes a server's transport and drops it from the pool. Idempotent.
func (m *Manager) Stop(ctx context.Context, id string) error {
	lock := m.serverLock(id)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(id)
}

func (m *Manager) stopLocked(id string) error {
	m.mu.RLock()
	_, known := m.servers[id]
	client, running := m.clients[id]
	m.mu.RUnlock()

	if !known {
		return ErrServerUnknown
	}
	if !running {
		m.setStatus(id, config.StatusStopped, "")
		return nil
	}

	m.setStatus(id, config.StatusStopping, "")
	err := client.Close()

	m.mu.Lock()
	delete(m.clients, id)
	m.status[id] = config.StatusStopped
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("transport close reported error",
			zap.String("id", id), zap.Error(err))
	}
	m.logger.Info("server stopped", zap.String("id", id))
	return nil
}

// Restart stops then starts a server.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// Remove stops a server if running, deletes its record (cascading its token
// grants, preferences, and OAuth rows), and drops it from every map.
func (m *Manager) Remove(ctx context.Context, id string) error {
	lock := m.serverLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	server, known := m.servers[id]
	m.mu.RUnlock()
	if !known {
		return ErrServerUnknown
	}

	if err := m.stopLocked(id); err != nil {
		return err
	}
	if err := m.store.DeleteServer(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.servers, id)
	delete(m.nameToID, server.Name)
	delete(m.status, id)
	delete(m.errMsgs, id)
	m.mu.Unlock()

	m.logger.Info("server removed",
		zap.String("id", id), zap.String("name", server.Name))
	return nil
}

// AutoStartAll starts every enabled auto-start server concurrently. Individual
// failures are logged and reported but never abort startup.
func (m *Manager) AutoStartAll(ctx context.Context) error {
	m.mu.RLock()
	var ids []string
	for id, server := range m.servers {
		if server.AutoStart && !server.Disabled {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Start(ctx, id); err != nil {
				m.logger.Warn("auto-start failed",
					zap.String("id", id), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// ClearAll stops every running server and empties the maps. Used on
// workspace switch.
func (m *Manager) ClearAll(ctx context.Context) {
	m.mu.RLock()
	var ids []string
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrServerUnknown) {
			m.logger.Warn("stop during clear failed",
				zap.String("id", id), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.servers = make(map[string]*config.ServerConfig)
	m.clients = make(map[string]ToolClient)
	m.nameToID = make(map[string]string)
	m.status = make(map[string]config.Status)
	m.errMsgs = make(map[string]string)
	m.mu.Unlock()
}
