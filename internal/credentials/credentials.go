// Package credentials resolves the upstream API key to use for a provider
// on behalf of an organization.
package credentials

import (
	"os"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/config"
)

// Resolver looks up provider keys from configuration, falling back to the
// conventional <PROVIDER>_API_KEY environment variable. It is read-only
// after construction.
type Resolver struct {
	providers map[string]config.ProviderConfig
	getenv    func(string) string
}

// New builds a Resolver over the configured providers.
func New(providers map[string]config.ProviderConfig) *Resolver {
	return &Resolver{providers: providers, getenv: os.Getenv}
}

// GetProviderToken returns the key for provider as used by org. An
// org-specific key wins over the provider's shared key. The second return
// value is false when no key is known.
func (r *Resolver) GetProviderToken(provider, org string) (string, bool) {
	if p, ok := r.providers[provider]; ok {
		if key := p.OrgKeys[org]; key != "" {
			return key, true
		}
		if p.APIKey != "" {
			return p.APIKey, true
		}
	}
	if key := r.getenv(EnvVar(provider)); key != "" {
		return key, true
	}
	return "", false
}

// BaseURL returns the configured endpoint override for provider, or "".
func (r *Resolver) BaseURL(provider string) string {
	return r.providers[provider].BaseURL
}

// EnvVar is the fallback environment variable for a provider id, e.g.
// "google-ai-studio" -> "GOOGLE_AI_STUDIO_API_KEY".
func EnvVar(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}
