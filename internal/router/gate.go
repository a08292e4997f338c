package router

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/token"
	"github.com/SShadowS/mcp-router/internal/toolfilter"
	"github.com/SShadowS/mcp-router/internal/upstream"
)

// Tool is one entry of a filtered list-tools response. Name carries the
// effective (possibly renamed) tool name; OriginalName the upstream one.
type Tool struct {
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	Description  string `json:"description,omitempty"`
	InputSchema  any    `json:"input_schema,omitempty"`
}

// Gate authenticates, authorizes, filters, and routes inbound tool calls.
type Gate struct {
	tokens  *token.Service
	filter  *toolfilter.Service
	manager *upstream.Manager
	logger  *zap.Logger
}

// NewGate wires the router gate.
func NewGate(tokens *token.Service, filter *toolfilter.Service, manager *upstream.Manager, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		tokens:  tokens,
		filter:  filter,
		manager: manager,
		logger:  logger.Named("router"),
	}
}

// authorize runs the shared check prefix: validate the token, resolve the
// server reference, and verify the token grants it.
func (g *Gate) authorize(ctx context.Context, tokenID, serverRef string) (*token.Identity, string, error) {
	identity, err := g.tokens.Validate(ctx, tokenID)
	if errors.Is(err, token.ErrUnauthenticated) {
		return nil, "", unauthenticated()
	}
	if err != nil {
		return nil, "", err
	}

	serverID, ok := g.manager.ResolveID(serverRef)
	if !ok {
		return nil, "", notFound("server " + serverRef)
	}

	granted := false
	for _, id := range identity.ServerIDs {
		if id == serverID {
			granted = true
			break
		}
	}
	if !granted {
		// An empty grant set denies everything; access is always explicit.
		return nil, "", forbidden(serverID)
	}
	return identity, serverID, nil
}

// CallTool resolves and forwards one tool invocation. The upstream response
// is returned verbatim; upstream failures surface as UpstreamError.
func (g *Gate) CallTool(ctx context.Context, tokenID, serverRef, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	identity, serverID, err := g.authorize(ctx, tokenID, serverRef)
	if err != nil {
		return nil, err
	}

	// The inbound name may be a client-facing rename; forward the upstream one.
	upstreamName, pref, err := g.filter.ResolveCallName(ctx, serverID, toolName, &identity.ClientID)
	if err != nil {
		return nil, err
	}
	if !pref.Enabled {
		return nil, toolDisabled(toolName)
	}

	client, ok := g.manager.GetClient(serverID)
	if !ok {
		return nil, serverNotRunning(serverID)
	}

	g.logger.Debug("forwarding tool call",
		zap.String("server_id", serverID),
		zap.String("tool", upstreamName),
		zap.String("client_id", identity.ClientID))

	result, err := client.CallTool(ctx, upstreamName, args)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamError, Message: err.Error(), ServerID: serverID, Err: err}
	}
	return result, nil
}

// ListTools returns the tools of one server visible to the presenting token,
// with name and description overrides applied. Ordering follows the
// upstream's own tool ordering.
func (g *Gate) ListTools(ctx context.Context, tokenID, serverRef string) ([]Tool, error) {
	identity, serverID, err := g.authorize(ctx, tokenID, serverRef)
	if err != nil {
		return nil, err
	}

	client, ok := g.manager.GetClient(serverID)
	if !ok {
		return nil, serverNotRunning(serverID)
	}

	upstreamTools, err := client.ListTools(ctx)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamError, Message: err.Error(), ServerID: serverID, Err: err}
	}

	tools := make([]Tool, 0, len(upstreamTools))
	for _, ut := range upstreamTools {
		pref, err := g.filter.Resolve(ctx, serverID, ut.Name, &identity.ClientID)
		if err != nil {
			return nil, err
		}
		if !pref.Enabled {
			continue
		}

		tool := Tool{
			Name:         ut.Name,
			OriginalName: ut.Name,
			Description:  ut.Description,
			InputSchema:  ut.InputSchema,
		}
		if pref.CustomName != nil && *pref.CustomName != "" {
			tool.Name = *pref.CustomName
		}
		if pref.CustomDescription != nil && *pref.CustomDescription != "" {
			tool.Description = *pref.CustomDescription
		}
		tools = append(tools, tool)
	}
	return tools, nil
}
