package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/secret"
)

// connectTimeout bounds a local spawn (or remote dial) up to the first
// successful initialize exchange.
const connectTimeout = 30 * time.Second

// ToolInfo is one tool announced by an upstream server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolClient is the capability set the router needs from any upstream
// transport flavor. Implementations own the underlying byte channel.
type ToolClient interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// ClientFactory builds a ToolClient for a server definition. headers carries
// the merged bearer/OAuth headers for remote transports. Substitutable in
// tests.
type ClientFactory func(server *config.ServerConfig, headers map[string]string, httpTransport http.RoundTripper, logger *zap.Logger) (ToolClient, error)

// mcpClient is the production ToolClient over mark3labs/mcp-go.
type mcpClient struct {
	server        *config.ServerConfig
	headers       map[string]string
	httpTransport http.RoundTripper
	resolver      *secret.Resolver
	logger        *zap.Logger

	client *client.Client
	logs   *logBuffer
}

// NewMCPClient is the default ClientFactory.
func NewMCPClient(server *config.ServerConfig, headers map[string]string, httpTransport http.RoundTripper, logger *zap.Logger) (ToolClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &mcpClient{
		server:        server,
		headers:       headers,
		httpTransport: httpTransport,
		resolver:      secret.NewResolver(),
		logger:        logger.Named("upstream").With(zap.String("server", server.Name)),
		logs:          newLogBuffer(),
	}, nil
}

// Connect opens the transport, starts it, and completes the MCP initialize
// handshake within the connect timeout.
func (c *mcpClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch c.server.Type {
	case config.ServerTypeLocal:
		if err := c.connectStdio(ctx); err != nil {
			return err
		}
	case config.ServerTypeRemote:
		if err := c.connectSSE(ctx); err != nil {
			return err
		}
	case config.ServerTypeRemoteStreamable:
		if err := c.connectStreamable(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported server type %q", c.server.Type)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "mcp-router", Version: "1.0"}
	if _, err := c.client.Initialize(ctx, initReq); err != nil {
		_ = c.client.Close()
		c.client = nil
		return fmt.Errorf("initialize failed: %w", err)
	}

	c.logger.Info("connected to upstream server",
		zap.String("type", string(c.server.Type)))
	return nil
}

// connectStdio spawns the child process with expanded args and a merged,
// secret-resolved environment, capturing its stderr into the log buffer.
func (c *mcpClient) connectStdio(ctx context.Context) error {
	env, err := c.resolver.ExpandMap(ctx, c.server.Env)
	if err != nil {
		return fmt.Errorf("resolving env secrets: %w", err)
	}
	args := ExpandArgs(c.server.Args, c.server.InputParams, env)

	envVars := os.Environ()
	for k, v := range env {
		envVars = append(envVars, k+"="+v)
	}

	stdioTransport := transport.NewStdio(c.server.Command, envVars, args...)
	c.client = client.NewClient(stdioTransport)

	// The transport outlives Connect; a cancellable start context would tear
	// it down as soon as the timeout scope closes.
	if err := c.client.Start(context.Background()); err != nil {
		c.client = nil
		return fmt.Errorf("spawning %s: %w", c.server.Command, err)
	}

	if stderr := stdioTransport.Stderr(); stderr != nil {
		go c.logs.consume(stderr)
	}
	return nil
}

// connectSSE opens the SSE transport with bearer/OAuth headers and the
// 401-aware HTTP transport when one was supplied.
func (c *mcpClient) connectSSE(ctx context.Context) error {
	httpClient := &http.Client{
		Timeout: 0, // SSE streams stay open
		Transport: c.httpTransport,
	}
	sseClient, err := client.NewSSEMCPClient(c.server.RemoteURL,
		client.WithHTTPClient(httpClient),
		client.WithHeaders(c.headers))
	if err != nil {
		return fmt.Errorf("creating SSE client: %w", err)
	}
	c.client = sseClient

	if err := c.client.Start(context.Background()); err != nil {
		c.client = nil
		return fmt.Errorf("connecting to %s: %w", c.server.RemoteURL, err)
	}
	return nil
}

// connectStreamable opens the streamable-HTTP transport with headers.
func (c *mcpClient) connectStreamable(ctx context.Context) error {
	httpTransport, err := transport.NewStreamableHTTP(c.server.RemoteURL,
		transport.WithHTTPHeaders(c.headers))
	if err != nil {
		return fmt.Errorf("creating streamable HTTP transport: %w", err)
	}
	c.client = client.NewClient(httpTransport)

	if err := c.client.Start(context.Background()); err != nil {
		c.client = nil
		return fmt.Errorf("connecting to %s: %w", c.server.RemoteURL, err)
	}
	return nil
}

// ListTools fetches the upstream tool list, preserving upstream ordering.
func (c *mcpClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for i := range result.Tools {
		tool := &result.Tools[i]
		var schema json.RawMessage
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			schema = data
		}
		tools = append(tools, ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool forwards one tool invocation upstream.
func (c *mcpClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling tool %s: %w", name, err)
	}
	return result, nil
}

// Close shuts the transport down. Idempotent.
func (c *mcpClient) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Logs returns the most recent captured stderr lines.
func (c *mcpClient) Logs() []string {
	return c.logs.Snapshot()
}
