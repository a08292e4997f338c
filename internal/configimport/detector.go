package configimport

import (
	"encoding/json"
	"errors"

	"github.com/BurntSushi/toml"
)

// ErrUnknownFormat is returned when no supported format matches the content.
var ErrUnknownFormat = errors.New("unable to detect configuration format: supported sources are Claude Desktop, Claude Code, Cursor IDE, Codex CLI, and Gemini CLI")

// DetectFormat identifies the source format of content. Codex is TOML and is
// tried first; everything else is JSON keyed by mcpServers.
func DetectFormat(content []byte) (*DetectionResult, error) {
	if result := detectTOML(content); result != nil {
		return result, nil
	}
	if result := detectJSON(content); result != nil {
		return result, nil
	}
	return nil, ErrUnknownFormat
}

func detectTOML(content []byte) *DetectionResult {
	var raw map[string]any
	if _, err := toml.Decode(string(content), &raw); err != nil {
		return nil
	}
	if _, ok := raw["mcp_servers"]; ok {
		return &DetectionResult{
			Format:     FormatCodex,
			Confidence: "high",
			Indicators: []string{"toml_format", "mcp_servers_key"},
		}
	}
	return nil
}

func detectJSON(content []byte) *DetectionResult {
	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil
	}
	servers, ok := raw["mcpServers"].(map[string]any)
	if !ok {
		return nil
	}

	// Claude Desktop is the only source with a top-level globalShortcut.
	if _, ok := raw["globalShortcut"]; ok {
		return &DetectionResult{
			Format:     FormatClaudeDesktop,
			Confidence: "high",
			Indicators: []string{"json_format", "mcpServers_key", "globalShortcut_key"},
		}
	}

	for _, entry := range servers {
		server, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := server["httpUrl"]; ok {
			return &DetectionResult{
				Format:     FormatGemini,
				Confidence: "high",
				Indicators: []string{"json_format", "mcpServers_key", "httpUrl_field"},
			}
		}
		if serverType, ok := server["type"].(string); ok {
			switch serverType {
			case "websocket":
				return &DetectionResult{
					Format:     FormatClaudeCode,
					Confidence: "high",
					Indicators: []string{"json_format", "mcpServers_key", "type_websocket"},
				}
			case "streamable-http", "streamableHttp":
				return &DetectionResult{
					Format:     FormatCursor,
					Confidence: "high",
					Indicators: []string{"json_format", "mcpServers_key", "type_streamable_http"},
				}
			}
		}
		if _, ok := server["trust"]; ok {
			return &DetectionResult{
				Format:     FormatGemini,
				Confidence: "medium",
				Indicators: []string{"json_format", "mcpServers_key", "trust_field"},
			}
		}
		if _, ok := server["auth"]; ok {
			return &DetectionResult{
				Format:     FormatCursor,
				Confidence: "medium",
				Indicators: []string{"json_format", "mcpServers_key", "auth_field"},
			}
		}
	}

	// Plain {command, args, env} servers: Claude Desktop's shape, which
	// Claude Code and Cursor also accept.
	return &DetectionResult{
		Format:     FormatClaudeDesktop,
		Confidence: "medium",
		Indicators: []string{"json_format", "mcpServers_key"},
	}
}
