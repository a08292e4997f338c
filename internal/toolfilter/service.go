// Package toolfilter resolves per-(server, client) tool policy: whether a
// tool is exposed and under what name and description. Global rows are
// initialized at discovery time; client-specific rows override them.
package toolfilter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/store"
)

// Preference is the resolved policy for one tool in one scope. When no row
// exists at either scope the synthetic default is enabled with no overrides.
type Preference struct {
	Enabled             bool
	OriginalDescription string
	CustomName          *string
	CustomDescription   *string
}

// DiscoveredTool is what a newly-running upstream announced.
type DiscoveredTool struct {
	Name        string
	Description string
}

type scopeKey struct {
	serverID string
	clientID string // "" = global
}

// Service caches preference rows per (server, client) scope. Any write to a
// scope invalidates its cache entry.
type Service struct {
	store  *store.Store
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[scopeKey]map[string]*store.ToolPreference
}

// NewService creates the tool filter service.
func NewService(st *store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		logger: logger.Named("toolfilter"),
		cache:  make(map[scopeKey]map[string]*store.ToolPreference),
	}
}

func scopeOf(serverID string, clientID *string) scopeKey {
	k := scopeKey{serverID: serverID}
	if clientID != nil {
		k.clientID = *clientID
	}
	return k
}

// scopeRows returns the cached row map for a scope, loading it on miss.
func (s *Service) scopeRows(ctx context.Context, serverID string, clientID *string) (map[string]*store.ToolPreference, error) {
	key := scopeOf(serverID, clientID)

	s.mu.RLock()
	rows, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return rows, nil
	}

	prefs, err := s.store.ListToolPreferences(ctx, serverID, clientID)
	if err != nil {
		return nil, err
	}
	rows = make(map[string]*store.ToolPreference, len(prefs))
	for _, p := range prefs {
		rows[p.ToolName] = p
	}

	s.mu.Lock()
	s.cache[key] = rows
	s.mu.Unlock()
	return rows, nil
}

func (s *Service) invalidate(serverID string, clientID *string) {
	s.mu.Lock()
	delete(s.cache, scopeOf(serverID, clientID))
	s.mu.Unlock()
}

// invalidateServer drops every cached scope for a server, global and client.
func (s *Service) invalidateServer(serverID string) {
	s.mu.Lock()
	for key := range s.cache {
		if key.serverID == serverID {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
}

// Resolve returns the effective preference for (server, tool, client):
// the client-specific row if present, else the global row, else an implicit
// enabled default. A nil clientID queries the global scope directly.
func (s *Service) Resolve(ctx context.Context, serverID, toolName string, clientID *string) (*Preference, error) {
	if clientID != nil {
		rows, err := s.scopeRows(ctx, serverID, clientID)
		if err != nil {
			return nil, err
		}
		if row, ok := rows[toolName]; ok {
			return fromRow(row), nil
		}
	}

	globalRows, err := s.scopeRows(ctx, serverID, nil)
	if err != nil {
		return nil, err
	}
	if row, ok := globalRows[toolName]; ok {
		return fromRow(row), nil
	}

	return &Preference{Enabled: true}, nil
}

func fromRow(row *store.ToolPreference) *Preference {
	return &Preference{
		Enabled:             row.Enabled,
		OriginalDescription: row.OriginalDescription,
		CustomName:          row.CustomName,
		CustomDescription:   row.CustomDescription,
	}
}

// ResolveCallName maps an inbound tool name, which may be a custom rename,
// to the upstream tool name plus its effective preference. Client-scope
// renames shadow global ones.
func (s *Service) ResolveCallName(ctx context.Context, serverID, name string, clientID *string) (string, *Preference, error) {
	scopes := []*string{nil}
	if clientID != nil {
		scopes = []*string{clientID, nil}
	}
	for _, scope := range scopes {
		rows, err := s.scopeRows(ctx, serverID, scope)
		if err != nil {
			return "", nil, err
		}
		for _, row := range rows {
			if row.CustomName != nil && *row.CustomName == name {
				pref, err := s.Resolve(ctx, serverID, row.ToolName, clientID)
				if err != nil {
					return "", nil, err
				}
				return row.ToolName, pref, nil
			}
		}
	}

	pref, err := s.Resolve(ctx, serverID, name, clientID)
	if err != nil {
		return "", nil, err
	}
	return name, pref, nil
}

// SetPreference writes a preference row for a scope and invalidates its cache.
func (s *Service) SetPreference(ctx context.Context, pref *store.ToolPreference) error {
	if err := s.store.UpsertToolPreference(ctx, pref); err != nil {
		return err
	}
	s.invalidate(pref.ServerID, pref.ClientID)
	return nil
}

// SyncDiscovered reconciles the global rows for a server with the tools the
// upstream just announced: missing rows are inserted enabled, stale
// originalDescription values are refreshed in place, and rows for tools that
// vanished are removed along with their client-specific overrides.
func (s *Service) SyncDiscovered(ctx context.Context, serverID string, announced []DiscoveredTool) error {
	existing, err := s.store.ListToolPreferences(ctx, serverID, nil)
	if err != nil {
		return err
	}
	byName := make(map[string]*store.ToolPreference, len(existing))
	for _, p := range existing {
		byName[p.ToolName] = p
	}

	announcedNames := make(map[string]bool, len(announced))
	for _, tool := range announced {
		announcedNames[tool.Name] = true
		row, ok := byName[tool.Name]
		if !ok {
			if err := s.store.UpsertToolPreference(ctx, &store.ToolPreference{
				ServerID:            serverID,
				ToolName:            tool.Name,
				Enabled:             true,
				OriginalDescription: tool.Description,
			}); err != nil {
				return err
			}
			continue
		}
		if row.OriginalDescription != tool.Description {
			if err := s.store.UpdateOriginalDescription(ctx, serverID, tool.Name, tool.Description); err != nil {
				return err
			}
		}
	}

	var vanished []string
	for name := range byName {
		if !announcedNames[name] {
			vanished = append(vanished, name)
		}
	}
	if len(vanished) > 0 {
		s.logger.Info("removing preferences for vanished tools",
			zap.String("server_id", serverID),
			zap.Strings("tools", vanished))
		if err := s.store.DeleteToolPreferences(ctx, serverID, vanished); err != nil {
			return err
		}
	}

	s.invalidateServer(serverID)
	return nil
}

// EnableAll enables every tool row in a (server, client) scope.
func (s *Service) EnableAll(ctx context.Context, serverID string, clientID *string) error {
	if err := s.store.SetAllToolsEnabled(ctx, serverID, clientID, true); err != nil {
		return err
	}
	s.invalidate(serverID, clientID)
	return nil
}

// DisableAll disables every tool row in a (server, client) scope.
func (s *Service) DisableAll(ctx context.Context, serverID string, clientID *string) error {
	if err := s.store.SetAllToolsEnabled(ctx, serverID, clientID, false); err != nil {
		return err
	}
	s.invalidate(serverID, clientID)
	return nil
}

// Reset clears customizations for a scope: client rows are deleted, global
// rows keep their original descriptions but lose overrides.
func (s *Service) Reset(ctx context.Context, serverID string, clientID *string) error {
	if err := s.store.ResetToolPreferences(ctx, serverID, clientID); err != nil {
		return err
	}
	s.invalidate(serverID, clientID)
	return nil
}
