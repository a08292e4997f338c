package configimport

import (
	"fmt"
	"strings"

	"github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/oauth"
	"github.com/SShadowS/mcp-router/internal/store"
)

// mapServer converts a parsed server to the router's ServerConfig (plus an
// OAuth configuration when the source carried client credentials). Imported
// servers land disabled unless enableImported is set, so they cannot run
// before someone has reviewed them.
func mapServer(parsed *parsedServer, enableImported bool) (*ImportedServer, error) {
	server := &config.ServerConfig{
		Name:     parsed.Name,
		Command:  parsed.Command,
		Args:     parsed.Args,
		Env:      parsed.Env,
		Disabled: parsed.Disabled || !enableImported,
	}

	skipped := append([]string(nil), parsed.Skipped...)
	warnings := append([]string(nil), parsed.Warnings...)

	switch parsed.Protocol {
	case "stdio":
		server.Type = config.ServerTypeLocal
	case "sse":
		server.Type = config.ServerTypeRemote
		server.RemoteURL = parsed.URL
	case "http", "streamable-http":
		server.Type = config.ServerTypeRemoteStreamable
		server.RemoteURL = parsed.URL
	default:
		return nil, &ImportError{
			Type:    "unsupported_transport",
			Message: fmt.Sprintf("transport %q is not supported", parsed.Protocol),
		}
	}

	// The router carries a single bearer token per remote server rather than
	// arbitrary headers; fold an Authorization header in and skip the rest.
	for name, value := range parsed.Headers {
		if strings.EqualFold(name, "Authorization") {
			server.BearerToken = strings.TrimPrefix(value, "Bearer ")
			continue
		}
		skipped = append(skipped, "header:"+name)
		warnings = append(warnings, fmt.Sprintf("header %s is not imported", name))
	}

	if err := server.Validate(); err != nil {
		return nil, &ImportError{Type: "invalid_server", Message: err.Error()}
	}

	imported := &ImportedServer{
		Server:        server,
		Source:        parsed.Source,
		OriginalName:  parsed.Name,
		FieldsSkipped: skipped,
		Warnings:      warnings,
	}

	if parsed.OAuth != nil {
		imported.OAuth = &store.OAuthConfig{
			Provider:     oauth.ProviderCustom,
			ClientID:     parsed.OAuth.ClientID,
			ClientSecret: parsed.OAuth.ClientSecret,
			Scopes:       parsed.OAuth.Scopes,
			UsePKCE:      true,
		}
		imported.Warnings = append(imported.Warnings,
			"OAuth client credentials imported; endpoints must be configured before authenticating")
	}

	return imported, nil
}
