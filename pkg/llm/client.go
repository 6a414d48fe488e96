// Package llm is the provider routing fabric. It resolves which provider and
// model serve a given (tenant, domain) pair, caches constructed clients until
// the routing config or the pack registry changes, and funnels every outbound
// prompt through domain sanitization and schema-constrained output parsing.
package llm

import "context"

// Provider names form a closed set. New providers register through
// RegisterProvider; anything unresolvable at construction time falls back to
// the dummy stub with a warning.
const (
	ProviderDummy      = "dummy"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

// Call context keys recognized by clients. The same map is handed to the
// domain sanitizer for value-based redaction, so it usually carries the
// exception's normalized context alongside these hints.
const (
	// CtxSchema names the output schema the caller expects (triage, policy,
	// resolution, supervisor, feedback).
	CtxSchema = "schema"
	// CtxIntent is a free-form hint describing why the call is made.
	CtxIntent = "intent"
	// CtxSystemPrompt, when present, is sent as a system message ahead of the
	// user prompt.
	CtxSystemPrompt = "system_prompt"
)

// Keys of the raw diagnostic bag attached to every GenerateResult.
const (
	RawProvider      = "provider"
	RawModel         = "model"
	RawPromptLength  = "prompt_length"
	RawIntent        = "intent"
	RawSchema        = "schema"
	RawErrorKind     = "error_kind"
	RawError         = "error"
	RawDeterministic = "deterministic"

	RawProviderUsed            = "provider_used"
	RawProviderIndex           = "provider_index"
	RawTotalProvidersAttempted = "total_providers_attempted"
	RawAttempts                = "attempts"
	RawFallbackChainExhausted  = "fallback_chain_exhausted"
	RawAllProvidersFailed      = "all_providers_failed"
)

// ApologyText is the terminal response body when a fallback chain exhausts
// every provider. It reads as a refusal, never as an analysis result.
const ApologyText = "I am unable to analyze this exception right now. " +
	"The request has been handed to the rule-based path."

// GenerateResult is the outcome of one generation call. Raw always records
// provider, model, and prompt length; on failure paths it additionally carries
// an error kind and a masked, truncated diagnostic.
type GenerateResult struct {
	Text string         `json:"text"`
	Raw  map[string]any `json:"raw"`
}

// Client is the generation contract all providers implement. Generate blocks
// until the provider answers, the context expires, or the call fails.
// Implementations must be safe for concurrent use.
type Client interface {
	// Provider returns the provider name serving this client.
	Provider() string

	// Model returns the model identifier this client sends.
	Model() string

	// Generate produces text for the prompt. callCtx carries routing hints
	// (CtxSchema, CtxIntent) plus the exception context used for sanitization.
	// On failure the returned result may still be non-nil, carrying the
	// diagnostic bag for callers that compose fallback chains.
	Generate(ctx context.Context, prompt string, callCtx map[string]any) (*GenerateResult, error)
}

// baseRaw builds the diagnostic bag shared by every client implementation.
func baseRaw(provider, model, prompt string, callCtx map[string]any) map[string]any {
	raw := map[string]any{
		RawProvider:     provider,
		RawModel:        model,
		RawPromptLength: len(prompt),
	}
	if intent, ok := callCtx[CtxIntent].(string); ok && intent != "" {
		raw[RawIntent] = intent
	}
	if schema, ok := callCtx[CtxSchema].(string); ok && schema != "" {
		raw[RawSchema] = schema
	}
	return raw
}
