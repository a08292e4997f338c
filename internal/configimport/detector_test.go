package configimport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat_Codex(t *testing.T) {
	content := []byte(`
[mcp_servers.github]
command = "npx"
args = ["-y", "@modelcontextprotocol/server-github"]
`)
	result, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatCodex, result.Format)
	assert.Equal(t, "high", result.Confidence)
	assert.Contains(t, result.Indicators, "toml_format")
}

func TestDetectFormat_ClaudeDesktop(t *testing.T) {
	content := []byte(`{
		"globalShortcut": "Ctrl+Space",
		"mcpServers": {
			"filesystem": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-filesystem"]}
		}
	}`)
	result, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatClaudeDesktop, result.Format)
	assert.Equal(t, "high", result.Confidence)
}

func TestDetectFormat_PlainMCPServersDefaultsToClaudeDesktop(t *testing.T) {
	content := []byte(`{"mcpServers": {"fs": {"command": "npx"}}}`)
	result, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatClaudeDesktop, result.Format)
	assert.Equal(t, "medium", result.Confidence)
}

func TestDetectFormat_ClaudeCodeWebsocket(t *testing.T) {
	content := []byte(`{"mcpServers": {"ws": {"type": "websocket", "url": "wss://example.com"}}}`)
	result, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatClaudeCode, result.Format)
}

func TestDetectFormat_CursorStreamableHTTP(t *testing.T) {
	content := []byte(`{"mcpServers": {"api": {"type": "streamable-http", "url": "https://example.com/mcp"}}}`)
	result, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatCursor, result.Format)
}

func TestDetectFormat_GeminiHTTPUrl(t *testing.T) {
	content := []byte(`{"mcpServers": {"api": {"httpUrl": "https://example.com/mcp"}}}`)
	result, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatGemini, result.Format)
}

func TestDetectFormat_GeminiTrustField(t *testing.T) {
	content := []byte(`{"mcpServers": {"fs": {"command": "npx", "trust": true}}}`)
	result, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatGemini, result.Format)
	assert.Equal(t, "medium", result.Confidence)
}

func TestDetectFormat_Unknown(t *testing.T) {
	for _, content := range []string{
		`{"servers": {}}`,
		`not a config at all {{{`,
		`key = "toml without mcp_servers"`,
	} {
		_, err := DetectFormat([]byte(content))
		assert.ErrorIs(t, err, ErrUnknownFormat, content)
	}
}
