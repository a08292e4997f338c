package upstream

import (
	"strings"

	"github.com/SShadowS/mcp-router/internal/config"
)

// buildParamValues collapses input-param defaults and the server env into
// one substitution map. Env values win over defaults.
func buildParamValues(params []config.InputParam, env map[string]string) map[string]string {
	values := make(map[string]string, len(params)+len(env))
	for _, p := range params {
		values[p.Name] = p.Default
	}
	for k, v := range env {
		values[k] = v
	}
	return values
}

// expandPlaceholders substitutes ${PARAM}, {PARAM}, and the user_config.
// prefixed variants of both in a single string.
func expandPlaceholders(s string, values map[string]string) string {
	for name, value := range values {
		s = strings.ReplaceAll(s, "${user_config."+name+"}", value)
		s = strings.ReplaceAll(s, "{user_config."+name+"}", value)
		s = strings.ReplaceAll(s, "${"+name+"}", value)
		s = strings.ReplaceAll(s, "{"+name+"}", value)
	}
	return s
}

// ExpandArgs substitutes placeholders in every argument of a local server's
// command line using input-param defaults overlaid with env.
func ExpandArgs(args []string, params []config.InputParam, env map[string]string) []string {
	values := buildParamValues(params, env)
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = expandPlaceholders(arg, values)
	}
	return out
}
