// Package secret resolves ${env:NAME} and ${keyring:NAME} references found in
// server environment values and bearer tokens, so credentials never have to be
// written literally into server definitions.
package secret

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "mcp-router"

// refPattern matches ${type:name} references.
var refPattern = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// Ref is a parsed reference to an externally stored secret.
type Ref struct {
	Type     string // env or keyring
	Name     string
	Original string
}

// IsRef reports whether input contains a secret reference.
func IsRef(input string) bool {
	return refPattern.MatchString(input)
}

// FindRefs returns every secret reference in input.
func FindRefs(input string) []Ref {
	matches := refPattern.FindAllStringSubmatch(input, -1)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{
			Type:     strings.TrimSpace(m[1]),
			Name:     strings.TrimSpace(m[2]),
			Original: m[0],
		})
	}
	return refs
}

// Provider retrieves secret values for a single reference type.
type Provider interface {
	Resolve(ctx context.Context, ref Ref) (string, error)
	Available() bool
}

// EnvProvider resolves ${env:NAME} from the process environment.
type EnvProvider struct{}

func (EnvProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	value, ok := os.LookupEnv(ref.Name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", ref.Name)
	}
	return value, nil
}

func (EnvProvider) Available() bool { return true }

// KeyringProvider resolves ${keyring:NAME} from the OS keychain.
type KeyringProvider struct{}

func (KeyringProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	value, err := keyring.Get(keyringService, ref.Name)
	if err != nil {
		return "", fmt.Errorf("keyring lookup for %s failed: %w", ref.Name, err)
	}
	return value, nil
}

func (KeyringProvider) Available() bool {
	// Probe with a key that should not exist; ErrNotFound means the backend works.
	_, err := keyring.Get(keyringService, "__availability_probe__")
	return err == nil || err == keyring.ErrNotFound
}

// Resolver expands secret references using registered providers.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver returns a resolver with the env and keyring providers registered.
func NewResolver() *Resolver {
	return &Resolver{
		providers: map[string]Provider{
			"env":     EnvProvider{},
			"keyring": KeyringProvider{},
		},
	}
}

// Register adds or replaces the provider for a reference type.
func (r *Resolver) Register(refType string, p Provider) {
	r.providers[refType] = p
}

// Expand replaces every secret reference in input with its resolved value.
// Strings without references pass through untouched.
func (r *Resolver) Expand(ctx context.Context, input string) (string, error) {
	if !IsRef(input) {
		return input, nil
	}
	result := input
	for _, ref := range FindRefs(input) {
		provider, ok := r.providers[ref.Type]
		if !ok {
			return "", fmt.Errorf("no provider for secret type %q in %s", ref.Type, ref.Original)
		}
		if !provider.Available() {
			return "", fmt.Errorf("secret provider %q is not available on this system", ref.Type)
		}
		value, err := provider.Resolve(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", ref.Original, err)
		}
		result = strings.ReplaceAll(result, ref.Original, value)
	}
	return result, nil
}

// ExpandMap returns a new map holding every value of env expanded; env
// itself is left unchanged.
func (r *Resolver) ExpandMap(ctx context.Context, env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return env, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		expanded, err := r.Expand(ctx, v)
		if err != nil {
			return nil, err
		}
		out[k] = expanded
	}
	return out, nil
}

// Mask obscures a secret value for log output.
func Mask(value string) string {
	switch {
	case len(value) <= 4:
		return "****"
	case len(value) <= 8:
		return value[:2] + "****"
	default:
		return value[:3] + "****" + value[len(value)-2:]
	}
}
