package llm

import (
	"net/http"
	"sync"
)

// Message is one chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // message content
}

// ProviderResponse is the provider-parsed completion result.
type ProviderResponse struct {
	Content      string
	Model        string
	TotalTokens  int
	FinishReason string
}

// Provider defines the wire-level contract for HTTP provider implementations.
// The fabric owns retries, timeouts, sanitization, and diagnostics; a Provider
// only knows its endpoint, headers, and JSON shapes.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "openrouter").
	Name() string

	// BuildURL constructs the full API endpoint URL. An empty baseURL selects
	// the provider's public default.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers, including authentication.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body.
	BuildRequestBody(model string, messages []Message) ([]byte, error)

	// ParseResponse extracts the completion from provider-specific JSON.
	ParseResponse(body []byte) (*ProviderResponse, error)
}

// providerRegistry holds registered providers. The dummy stub is not listed
// here; it is the fabric's terminal fallback and needs no wire contract.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry, replacing any previous
// one of the same name.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil if unregistered.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// IsKnownProvider reports whether name resolves to a constructible client.
func IsKnownProvider(name string) bool {
	if name == ProviderDummy {
		return true
	}
	return GetProvider(name) != nil
}

// ListProviders returns all registered provider names plus the dummy stub.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry)+1)
	names = append(names, ProviderDummy)
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
