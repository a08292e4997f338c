package configimport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SShadowS/mcp-router/internal/config"
)

func TestImport_ClaudeDesktop(t *testing.T) {
	content := []byte(`{
		"globalShortcut": "",
		"mcpServers": {
			"filesystem": {
				"command": "npx",
				"args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"],
				"env": {"LOG_LEVEL": "debug"}
			}
		}
	}`)

	result, err := Import(content, nil)
	require.NoError(t, err)
	assert.Equal(t, FormatClaudeDesktop, result.Format)
	require.Len(t, result.Imported, 1)

	server := result.Imported[0].Server
	assert.Equal(t, "filesystem", server.Name)
	assert.Equal(t, config.ServerTypeLocal, server.Type)
	assert.Equal(t, "npx", server.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"}, server.Args)
	assert.Equal(t, "debug", server.Env["LOG_LEVEL"])
	assert.True(t, server.Disabled, "imported servers land disabled for review")
}

func TestImport_EnableImported(t *testing.T) {
	content := []byte(`{"mcpServers": {"fs": {"command": "npx"}}}`)

	result, err := Import(content, &Options{EnableImported: true})
	require.NoError(t, err)
	require.Len(t, result.Imported, 1)
	assert.False(t, result.Imported[0].Server.Disabled)
}

func TestImport_CodexTOML(t *testing.T) {
	content := []byte(`
[mcp_servers.github]
command = "npx"
args = ["-y", "@modelcontextprotocol/server-github"]
env = { "DEBUG" = "1" }
env_vars = ["GITHUB_TOKEN"]

[mcp_servers.search]
url = "https://search.example.com/mcp"
bearer_token_env_var = "SEARCH_TOKEN"
enabled = false
disabled_tools = ["dangerous_tool"]
`)

	result, err := Import(content, &Options{EnableImported: true})
	require.NoError(t, err)
	assert.Equal(t, FormatCodex, result.Format)
	require.Len(t, result.Imported, 2)

	byName := map[string]*ImportedServer{}
	for _, imported := range result.Imported {
		byName[imported.Server.Name] = imported
	}

	github := byName["github"].Server
	assert.Equal(t, config.ServerTypeLocal, github.Type)
	assert.Equal(t, "1", github.Env["DEBUG"])
	// env_vars become secret references resolved at start time.
	assert.Equal(t, "${env:GITHUB_TOKEN}", github.Env["GITHUB_TOKEN"])

	search := byName["search"].Server
	assert.Equal(t, config.ServerTypeRemoteStreamable, search.Type)
	assert.Equal(t, "https://search.example.com/mcp", search.RemoteURL)
	assert.Equal(t, "${env:SEARCH_TOKEN}", search.BearerToken)
	assert.True(t, search.Disabled, "enabled = false carries over")
	assert.Contains(t, byName["search"].FieldsSkipped, "disabled_tools")
}

func TestImport_CursorWithOAuth(t *testing.T) {
	content := []byte(`{
		"mcpServers": {
			"api": {
				"type": "streamable-http",
				"url": "https://api.example.com/mcp",
				"headers": {"X-Custom": "v", "Authorization": "Bearer tok-123"},
				"auth": {"CLIENT_ID": "cid", "CLIENT_SECRET": "hush", "scopes": ["read"]}
			}
		}
	}`)

	result, err := Import(content, nil)
	require.NoError(t, err)
	assert.Equal(t, FormatCursor, result.Format)
	require.Len(t, result.Imported, 1)

	imported := result.Imported[0]
	assert.Equal(t, config.ServerTypeRemoteStreamable, imported.Server.Type)
	assert.Equal(t, "tok-123", imported.Server.BearerToken)
	assert.Contains(t, imported.FieldsSkipped, "header:X-Custom")

	require.NotNil(t, imported.OAuth)
	assert.Equal(t, "cid", imported.OAuth.ClientID)
	assert.Equal(t, "hush", imported.OAuth.ClientSecret)
	assert.Equal(t, []string{"read"}, imported.OAuth.Scopes)
	assert.True(t, imported.OAuth.UsePKCE)
}

func TestImport_GeminiTransportPriority(t *testing.T) {
	content := []byte(`{
		"mcpServers": {
			"streaming": {"httpUrl": "https://a.example.com/mcp", "url": "https://ignored"},
			"events": {"url": "https://b.example.com/sse", "trust": true}
		}
	}`)

	result, err := Import(content, &Options{FormatHint: FormatGemini})
	require.NoError(t, err)
	require.Len(t, result.Imported, 2)

	byName := map[string]*ImportedServer{}
	for _, imported := range result.Imported {
		byName[imported.Server.Name] = imported
	}

	assert.Equal(t, config.ServerTypeRemoteStreamable, byName["streaming"].Server.Type)
	assert.Equal(t, "https://a.example.com/mcp", byName["streaming"].Server.RemoteURL)
	assert.Equal(t, config.ServerTypeRemote, byName["events"].Server.Type)
	assert.NotEmpty(t, byName["events"].Warnings, "trust field must warn")
}

func TestImport_WebsocketUnsupported(t *testing.T) {
	content := []byte(`{"mcpServers": {"ws": {"type": "websocket", "url": "wss://example.com"}}}`)

	result, err := Import(content, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Imported)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "ws", result.Failed[0].Name)
	assert.Contains(t, result.Failed[0].Error, "websocket")
}

func TestImport_DuplicatesSkipped(t *testing.T) {
	content := []byte(`{"mcpServers": {
		"existing": {"command": "npx"},
		"fresh": {"command": "npx"}
	}}`)

	result, err := Import(content, &Options{ExistingServers: []string{"existing"}})
	require.NoError(t, err)
	require.Len(t, result.Imported, 1)
	assert.Equal(t, "fresh", result.Imported[0].Server.Name)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, SkippedServer{Name: "existing", Reason: "already_exists"}, result.Skipped[0])
}

func TestImport_ServerNameFilter(t *testing.T) {
	content := []byte(`{"mcpServers": {
		"wanted": {"command": "npx"},
		"other": {"command": "npx"}
	}}`)

	result, err := Import(content, &Options{ServerNames: []string{"wanted", "missing"}})
	require.NoError(t, err)
	require.Len(t, result.Imported, 1)
	assert.Equal(t, "wanted", result.Imported[0].Server.Name)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "filtered_out", result.Skipped[0].Reason)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "missing")
}

func TestImport_InvalidNamesSanitized(t *testing.T) {
	content := []byte(`{"mcpServers": {
		"my server.v2": {"command": "npx"},
		"!!!": {"command": "npx"}
	}}`)

	result, err := Import(content, nil)
	require.NoError(t, err)
	require.Len(t, result.Imported, 1)
	assert.Equal(t, "my_server_v2", result.Imported[0].Server.Name)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "!!!", result.Failed[0].Name)
	assert.Equal(t, Summary{Total: 2, Imported: 1, Skipped: 0, Failed: 1}, result.Summary)
}

func TestImport_NoServers(t *testing.T) {
	_, err := Import([]byte(`{"mcpServers": {}}`), &Options{FormatHint: FormatClaudeDesktop})
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "no_servers", ie.Type)
}

func TestValidServerName(t *testing.T) {
	assert.NoError(t, ValidServerName("github-mcp_2"))
	assert.Error(t, ValidServerName(""))
	assert.Error(t, ValidServerName("has space"))
	assert.Error(t, ValidServerName(string(make([]byte, 65))))
}

func TestSanitizeServerName(t *testing.T) {
	assert.Equal(t, "already-valid", SanitizeServerName("already-valid"))
	assert.Equal(t, "my_server_v2", SanitizeServerName("my server.v2"))
	assert.Equal(t, "trimmed", SanitizeServerName("  trimmed  "))
	assert.Equal(t, "", SanitizeServerName("!!!"))
}
