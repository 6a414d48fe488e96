package providers

import (
	"net/http"
	"os"

	"github.com/exceptionops/remsy/pkg/llm"
)

// OpenRouterProvider speaks the OpenAI-compatible wire format through the
// OpenRouter gateway. It differs only in endpoint and authentication:
// OPENROUTER_API_KEY overrides LLM_API_KEY here.
type OpenRouterProvider struct {
	OpenAIProvider // shared request/response format
}

func init() {
	llm.RegisterProvider(&OpenRouterProvider{})
}

// Name returns the provider identifier.
func (o *OpenRouterProvider) Name() string {
	return llm.ProviderOpenRouter
}

// BuildURL constructs the OpenRouter endpoint.
func (o *OpenRouterProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return o.OpenAIProvider.BuildURL(baseURL)
}

// SetHeaders adds OpenRouter authentication and attribution headers.
func (o *OpenRouterProvider) SetHeaders(req *http.Request) {
	key := os.Getenv(llm.EnvOpenRouterAPIKey)
	if key == "" {
		key = os.Getenv(llm.EnvAPIKey)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
