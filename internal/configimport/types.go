// Package configimport imports MCP server definitions from the config files
// of other MCP clients — Claude Desktop, Claude Code, Cursor IDE, Codex CLI,
// and Gemini CLI — into the router's own server registry.
package configimport

import (
	"github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/store"
)

// Format identifies a supported source configuration format.
type Format string

const (
	FormatUnknown       Format = "unknown"
	FormatClaudeDesktop Format = "claude-desktop"
	FormatClaudeCode    Format = "claude-code"
	FormatCursor        Format = "cursor"
	FormatCodex         Format = "codex"
	FormatGemini        Format = "gemini"
)

// String returns the human-readable format name.
func (f Format) String() string {
	switch f {
	case FormatClaudeDesktop:
		return "Claude Desktop"
	case FormatClaudeCode:
		return "Claude Code"
	case FormatCursor:
		return "Cursor IDE"
	case FormatCodex:
		return "Codex CLI"
	case FormatGemini:
		return "Gemini CLI"
	default:
		return "Unknown"
	}
}

// DetectionResult is the outcome of format auto-detection.
type DetectionResult struct {
	Format     Format
	Confidence string // high, medium
	Indicators []string
}

// parsedServer is the format-neutral intermediate between a source parser
// and the mapper.
type parsedServer struct {
	Name     string
	Source   Format
	Protocol string // stdio, sse, http, streamable-http, websocket
	Command  string
	Args     []string
	Env      map[string]string
	URL      string
	Headers  map[string]string
	Disabled bool
	OAuth    *parsedOAuth
	Warnings []string
	Skipped  []string // source fields with no counterpart here
}

// parsedOAuth carries OAuth client material found in a source config.
type parsedOAuth struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// ImportedServer is one server mapped into router form, ready to persist.
type ImportedServer struct {
	Server        *config.ServerConfig
	OAuth         *store.OAuthConfig // nil unless the source carried credentials
	Source        Format
	OriginalName  string
	FieldsSkipped []string
	Warnings      []string
}

// SkippedServer records a server left out of the import.
type SkippedServer struct {
	Name   string `json:"name"`
	Reason string `json:"reason"` // already_exists, filtered_out
}

// FailedServer records a server that could not be imported.
type FailedServer struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Summary carries the counts for display.
type Summary struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Result is the complete outcome of one import run.
type Result struct {
	Format   Format            `json:"format"`
	Imported []*ImportedServer `json:"-"`
	Skipped  []SkippedServer   `json:"skipped"`
	Failed   []FailedServer    `json:"failed"`
	Warnings []string          `json:"warnings,omitempty"`
	Summary  Summary           `json:"summary"`
}

// Options configures an import run.
type Options struct {
	// FormatHint overrides auto-detection.
	FormatHint Format

	// ServerNames, when set, restricts the import to these source names.
	ServerNames []string

	// ExistingServers is consulted for duplicate detection.
	ExistingServers []string

	// EnableImported leaves imported servers enabled. By default every
	// imported server lands disabled for review before it can run.
	EnableImported bool
}

// ImportError is a structured parse or mapping failure.
type ImportError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *ImportError) Error() string { return e.Message }
