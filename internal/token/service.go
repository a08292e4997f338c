// Package token issues, lists, revokes, and validates the opaque bearer
// tokens that API clients present to the router gate.
package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/crypto"
	"github.com/SShadowS/mcp-router/internal/store"
)

// ErrUnauthenticated is returned when a presented token is unknown or malformed.
var ErrUnauthenticated = errors.New("token unknown or malformed")

// tokenBytes is the entropy behind a generated credential.
const tokenBytes = 32

// Identity is the validated view of a presented token.
type Identity struct {
	TokenID   string
	ClientID  string
	ServerIDs []string
	Scopes    []string
}

// Service is the single source of truth for which client tokens exist and
// what each can see.
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

// NewService creates the token service.
func NewService(st *store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger.Named("token")}
}

// Generate mints a new random token for a client, granting exactly the given
// server set. An empty set is legal and denies access to everything.
func (s *Service) Generate(ctx context.Context, clientID string, serverIDs []string, scopes []string) (*store.Token, error) {
	if _, err := s.store.GetClient(ctx, clientID); err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, err)
	}

	id, err := crypto.RandomToken(tokenBytes)
	if err != nil {
		return nil, err
	}
	tok := &store.Token{
		ID:        id,
		ClientID:  clientID,
		ServerIDs: append([]string(nil), serverIDs...),
		Scopes:    append([]string(nil), scopes...),
	}
	if err := s.store.SaveToken(ctx, tok); err != nil {
		return nil, err
	}
	s.logger.Info("token issued",
		zap.String("client_id", clientID),
		zap.Int("server_count", len(serverIDs)))
	return tok, nil
}

// Revoke deletes a token.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	if err := s.store.DeleteToken(ctx, tokenID); err != nil {
		return err
	}
	s.logger.Info("token revoked")
	return nil
}

// ListByClient returns every token issued to a client.
func (s *Service) ListByClient(ctx context.Context, clientID string) ([]*store.Token, error) {
	return s.store.ListTokensByClient(ctx, clientID)
}

// Validate resolves a presented credential to its identity. The final
// comparison is constant-time since the string comes from an untrusted caller.
func (s *Service) Validate(ctx context.Context, presented string) (*Identity, error) {
	if presented == "" {
		return nil, ErrUnauthenticated
	}
	tok, err := s.store.GetToken(ctx, presented)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(tok.ID)) != 1 {
		return nil, ErrUnauthenticated
	}
	return &Identity{
		TokenID:   tok.ID,
		ClientID:  tok.ClientID,
		ServerIDs: tok.ServerIDs,
		Scopes:    tok.Scopes,
	}, nil
}
