package configimport

import (
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
)

// parser converts one source format into the format-neutral shape.
type parser interface {
	Format() Format
	Parse(content []byte) ([]*parsedServer, error)
}

func parserFor(format Format) parser {
	switch format {
	case FormatClaudeDesktop:
		return claudeDesktopParser{}
	case FormatClaudeCode:
		return claudeCodeParser{}
	case FormatCursor:
		return cursorParser{}
	case FormatCodex:
		return codexParser{}
	case FormatGemini:
		return geminiParser{}
	default:
		return nil
	}
}

func parseError(err error) *ImportError {
	return &ImportError{Type: "parse_error", Message: fmt.Sprintf("invalid source config: %v", err)}
}

func noServersError(source string) *ImportError {
	return &ImportError{Type: "no_servers", Message: "no MCP servers found in " + source + " config"}
}

// Claude Desktop: JSON, stdio only.

type claudeDesktopServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

type claudeDesktopParser struct{}

func (claudeDesktopParser) Format() Format { return FormatClaudeDesktop }

func (claudeDesktopParser) Parse(content []byte) ([]*parsedServer, error) {
	var cfg struct {
		MCPServers map[string]claudeDesktopServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, parseError(err)
	}
	if len(cfg.MCPServers) == 0 {
		return nil, noServersError("Claude Desktop")
	}

	servers := make([]*parsedServer, 0, len(cfg.MCPServers))
	for name, src := range cfg.MCPServers {
		parsed := &parsedServer{
			Name:     name,
			Source:   FormatClaudeDesktop,
			Protocol: "stdio",
			Command:  src.Command,
			Args:     src.Args,
			Env:      src.Env,
		}
		if src.Command == "" {
			parsed.Warnings = append(parsed.Warnings, "missing command field")
		}
		servers = append(servers, parsed)
	}
	return servers, nil
}

// Claude Code: JSON, stdio/http/sse/websocket via a type field.

type claudeCodeServer struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type claudeCodeParser struct{}

func (claudeCodeParser) Format() Format { return FormatClaudeCode }

func (claudeCodeParser) Parse(content []byte) ([]*parsedServer, error) {
	var cfg struct {
		MCPServers map[string]claudeCodeServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, parseError(err)
	}
	if len(cfg.MCPServers) == 0 {
		return nil, noServersError("Claude Code")
	}

	servers := make([]*parsedServer, 0, len(cfg.MCPServers))
	for name, src := range cfg.MCPServers {
		protocol := src.Type
		if protocol == "" {
			if src.URL != "" {
				protocol = "http"
			} else {
				protocol = "stdio"
			}
		}
		parsed := &parsedServer{
			Name:     name,
			Source:   FormatClaudeCode,
			Protocol: protocol,
			Command:  src.Command,
			Args:     src.Args,
			Env:      src.Env,
			URL:      src.URL,
			Headers:  src.Headers,
		}
		if protocol == "stdio" && src.Command == "" {
			parsed.Warnings = append(parsed.Warnings, "stdio server missing command field")
		}
		if protocol != "stdio" && src.URL == "" {
			parsed.Warnings = append(parsed.Warnings, fmt.Sprintf("%s server missing url field", protocol))
		}
		servers = append(servers, parsed)
	}
	return servers, nil
}

// Cursor IDE: JSON, adds envFile, cwd, and an auth block.

type cursorAuth struct {
	ClientID     string   `json:"CLIENT_ID,omitempty"`
	ClientSecret string   `json:"CLIENT_SECRET,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type cursorServer struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	EnvFile string            `json:"envFile,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	URL     string            `json:"url,omitempty"`
	Type    string            `json:"type,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    *cursorAuth       `json:"auth,omitempty"`
}

type cursorParser struct{}

func (cursorParser) Format() Format { return FormatCursor }

func (cursorParser) Parse(content []byte) ([]*parsedServer, error) {
	var cfg struct {
		MCPServers map[string]cursorServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, parseError(err)
	}
	if len(cfg.MCPServers) == 0 {
		return nil, noServersError("Cursor")
	}

	servers := make([]*parsedServer, 0, len(cfg.MCPServers))
	for name, src := range cfg.MCPServers {
		protocol := src.Type
		if protocol == "streamableHttp" {
			protocol = "streamable-http"
		}
		if protocol == "" {
			if src.URL != "" {
				protocol = "sse"
			} else {
				protocol = "stdio"
			}
		}
		parsed := &parsedServer{
			Name:     name,
			Source:   FormatCursor,
			Protocol: protocol,
			Command:  src.Command,
			Args:     src.Args,
			Env:      src.Env,
			URL:      src.URL,
			Headers:  src.Headers,
		}
		if src.Auth != nil && src.Auth.ClientID != "" {
			parsed.OAuth = &parsedOAuth{
				ClientID:     src.Auth.ClientID,
				ClientSecret: src.Auth.ClientSecret,
				Scopes:       src.Auth.Scopes,
			}
		}
		if src.EnvFile != "" {
			parsed.Warnings = append(parsed.Warnings, "envFile is not supported; use env instead")
			parsed.Skipped = append(parsed.Skipped, "envFile")
		}
		if src.Cwd != "" {
			parsed.Skipped = append(parsed.Skipped, "cwd")
		}
		if protocol == "stdio" && src.Command == "" {
			parsed.Warnings = append(parsed.Warnings, "stdio server missing command field")
		}
		if protocol != "stdio" && src.URL == "" {
			parsed.Warnings = append(parsed.Warnings, fmt.Sprintf("%s server missing url field", protocol))
		}
		servers = append(servers, parsed)
	}
	return servers, nil
}

// Codex CLI: TOML under [mcp_servers.*], with env/header indirection
// through the shell environment.

type codexServer struct {
	Command           string            `toml:"command,omitempty"`
	Args              []string          `toml:"args,omitempty"`
	Cwd               string            `toml:"cwd,omitempty"`
	Env               map[string]string `toml:"env,omitempty"`
	EnvVars           []string          `toml:"env_vars,omitempty"`
	URL               string            `toml:"url,omitempty"`
	BearerToken       string            `toml:"bearer_token,omitempty"`
	BearerTokenEnvVar string            `toml:"bearer_token_env_var,omitempty"`
	HTTPHeaders       map[string]string `toml:"http_headers,omitempty"`
	Enabled           *bool             `toml:"enabled,omitempty"`
	EnabledTools      []string          `toml:"enabled_tools,omitempty"`
	DisabledTools     []string          `toml:"disabled_tools,omitempty"`
	StartupTimeoutSec float64           `toml:"startup_timeout_sec,omitempty"`
	ToolTimeoutSec    float64           `toml:"tool_timeout_sec,omitempty"`
}

type codexParser struct{}

func (codexParser) Format() Format { return FormatCodex }

func (codexParser) Parse(content []byte) ([]*parsedServer, error) {
	var cfg struct {
		MCPServers map[string]codexServer `toml:"mcp_servers"`
	}
	if _, err := toml.Decode(string(content), &cfg); err != nil {
		return nil, parseError(err)
	}
	if len(cfg.MCPServers) == 0 {
		return nil, noServersError("Codex")
	}

	servers := make([]*parsedServer, 0, len(cfg.MCPServers))
	for name, src := range cfg.MCPServers {
		protocol := "stdio"
		if src.URL != "" {
			protocol = "streamable-http"
		}

		env := make(map[string]string, len(src.Env)+len(src.EnvVars))
		for k, v := range src.Env {
			env[k] = v
		}
		// env_vars forward shell variables; keep them as secret references
		// so the value is resolved at start time, not frozen at import.
		for _, name := range src.EnvVars {
			if _, ok := env[name]; !ok {
				env[name] = "${env:" + name + "}"
			}
		}

		headers := make(map[string]string, len(src.HTTPHeaders))
		for k, v := range src.HTTPHeaders {
			headers[k] = v
		}

		bearer := src.BearerToken
		if bearer == "" && src.BearerTokenEnvVar != "" {
			bearer = "${env:" + src.BearerTokenEnvVar + "}"
		}
		if bearer != "" {
			headers["Authorization"] = "Bearer " + bearer
		}

		parsed := &parsedServer{
			Name:     name,
			Source:   FormatCodex,
			Protocol: protocol,
			Command:  src.Command,
			Args:     src.Args,
			Env:      env,
			URL:      src.URL,
			Headers:  headers,
			Disabled: src.Enabled != nil && !*src.Enabled,
		}
		if src.Cwd != "" {
			parsed.Skipped = append(parsed.Skipped, "cwd")
		}
		if len(src.EnabledTools) > 0 {
			parsed.Warnings = append(parsed.Warnings, "enabled_tools is not imported; use tool preferences instead")
			parsed.Skipped = append(parsed.Skipped, "enabled_tools")
		}
		if len(src.DisabledTools) > 0 {
			parsed.Warnings = append(parsed.Warnings, "disabled_tools is not imported; use tool preferences instead")
			parsed.Skipped = append(parsed.Skipped, "disabled_tools")
		}
		if src.StartupTimeoutSec > 0 || src.ToolTimeoutSec > 0 {
			parsed.Warnings = append(parsed.Warnings, "timeouts are not imported")
		}
		if protocol == "stdio" && src.Command == "" {
			parsed.Warnings = append(parsed.Warnings, "stdio server missing command field")
		}
		servers = append(servers, parsed)
	}
	return servers, nil
}

// Gemini CLI: JSON; httpUrl wins over url wins over command.

type geminiOAuth struct {
	Enabled      bool     `json:"enabled,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type geminiServer struct {
	HTTPUrl      string            `json:"httpUrl,omitempty"`
	URL          string            `json:"url,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Timeout      int               `json:"timeout,omitempty"`
	Trust        bool              `json:"trust,omitempty"`
	IncludeTools []string          `json:"includeTools,omitempty"`
	ExcludeTools []string          `json:"excludeTools,omitempty"`
	OAuth        *geminiOAuth      `json:"oauth,omitempty"`
}

type geminiParser struct{}

func (geminiParser) Format() Format { return FormatGemini }

func (geminiParser) Parse(content []byte) ([]*parsedServer, error) {
	var cfg struct {
		MCPServers map[string]geminiServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, parseError(err)
	}
	if len(cfg.MCPServers) == 0 {
		return nil, noServersError("Gemini")
	}

	servers := make([]*parsedServer, 0, len(cfg.MCPServers))
	for name, src := range cfg.MCPServers {
		var protocol, url string
		switch {
		case src.HTTPUrl != "":
			protocol, url = "http", src.HTTPUrl
		case src.URL != "":
			protocol, url = "sse", src.URL
		default:
			protocol = "stdio"
		}

		parsed := &parsedServer{
			Name:     name,
			Source:   FormatGemini,
			Protocol: protocol,
			Command:  src.Command,
			Args:     src.Args,
			Env:      src.Env,
			URL:      url,
			Headers:  src.Headers,
		}
		if src.OAuth != nil && src.OAuth.Enabled && src.OAuth.ClientID != "" {
			parsed.OAuth = &parsedOAuth{
				ClientID:     src.OAuth.ClientID,
				ClientSecret: src.OAuth.ClientSecret,
				Scopes:       src.OAuth.Scopes,
			}
		}
		if src.Cwd != "" {
			parsed.Skipped = append(parsed.Skipped, "cwd")
		}
		if src.Timeout > 0 {
			parsed.Warnings = append(parsed.Warnings, "timeout is not imported")
		}
		if src.Trust {
			parsed.Warnings = append(parsed.Warnings, "trust field ignored for security reasons")
		}
		if len(src.IncludeTools) > 0 {
			parsed.Warnings = append(parsed.Warnings, "includeTools is not imported; use tool preferences instead")
			parsed.Skipped = append(parsed.Skipped, "includeTools")
		}
		if len(src.ExcludeTools) > 0 {
			parsed.Warnings = append(parsed.Warnings, "excludeTools is not imported; use tool preferences instead")
			parsed.Skipped = append(parsed.Skipped, "excludeTools")
		}
		if protocol == "stdio" && src.Command == "" {
			parsed.Warnings = append(parsed.Warnings, "stdio server missing command field")
		}
		if protocol != "stdio" && url == "" {
			parsed.Warnings = append(parsed.Warnings, fmt.Sprintf("%s server missing url field", protocol))
		}
		servers = append(servers, parsed)
	}
	return servers, nil
}
