package oauth

import "github.com/SShadowS/mcp-router/internal/store"

// Provider tags with built-in endpoint templates.
const (
	ProviderGitHub    = "github"
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderSlack     = "slack"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
	ProviderCustom    = "custom"
)

// providerTemplate carries the well-known endpoints and default scopes for a
// provider. Custom providers rely entirely on discovery or explicit config.
type providerTemplate struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string
	UserinfoEndpoint      string
	DefaultScopes         []string
	UsePKCE               bool
}

var providerTemplates = map[string]providerTemplate{
	ProviderGitHub: {
		AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
		TokenEndpoint:         "https://github.com/login/oauth/access_token",
		DefaultScopes:         []string{"repo", "read:user"},
		UsePKCE:               true,
	},
	ProviderGoogle: {
		AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
		RevocationEndpoint:    "https://oauth2.googleapis.com/revoke",
		UserinfoEndpoint:      "https://openidconnect.googleapis.com/v1/userinfo",
		DefaultScopes:         []string{"openid", "email", "profile"},
		UsePKCE:               true,
	},
	ProviderMicrosoft: {
		AuthorizationEndpoint: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenEndpoint:         "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		DefaultScopes:         []string{"openid", "profile", "offline_access"},
		UsePKCE:               true,
	},
	ProviderSlack: {
		AuthorizationEndpoint: "https://slack.com/oauth/v2/authorize",
		TokenEndpoint:         "https://slack.com/api/oauth.v2.access",
		DefaultScopes:         []string{"chat:write"},
		UsePKCE:               false,
	},
	ProviderGitLab: {
		AuthorizationEndpoint: "https://gitlab.com/oauth/authorize",
		TokenEndpoint:         "https://gitlab.com/oauth/token",
		RevocationEndpoint:    "https://gitlab.com/oauth/revoke",
		DefaultScopes:         []string{"api"},
		UsePKCE:               true,
	},
	ProviderBitbucket: {
		AuthorizationEndpoint: "https://bitbucket.org/site/oauth2/authorize",
		TokenEndpoint:         "https://bitbucket.org/site/oauth2/access_token",
		DefaultScopes:         []string{"repository"},
		UsePKCE:               true,
	},
	ProviderCustom: {UsePKCE: true},
}

// applyTemplate merges the provider template into cfg, filling only gaps so
// explicit overrides always win. The merge is idempotent.
func applyTemplate(cfg *store.OAuthConfig) {
	tpl, ok := providerTemplates[cfg.Provider]
	if !ok {
		tpl = providerTemplates[ProviderCustom]
	}
	if cfg.AuthorizationEndpoint == "" {
		cfg.AuthorizationEndpoint = tpl.AuthorizationEndpoint
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = tpl.TokenEndpoint
	}
	if cfg.RevocationEndpoint == "" {
		cfg.RevocationEndpoint = tpl.RevocationEndpoint
	}
	if cfg.UserinfoEndpoint == "" {
		cfg.UserinfoEndpoint = tpl.UserinfoEndpoint
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), tpl.DefaultScopes...)
	}
	if cfg.GrantType == "" {
		cfg.GrantType = "authorization_code"
	}
}

// templatePKCE returns the template default for PKCE, used when the caller
// did not say either way.
func templatePKCE(provider string) bool {
	tpl, ok := providerTemplates[provider]
	if !ok {
		return true
	}
	return tpl.UsePKCE
}
