package masking

import (
	"log/slog"
	"regexp"
	"strings"
)

// DomainSanitizer scrubs a prompt before it leaves the process for an LLM
// provider. Implementations must be safe for concurrent use.
type DomainSanitizer interface {
	// Domain returns the domain name this sanitizer handles (matched
	// case-insensitively).
	Domain() string

	// Sanitize returns the scrubbed prompt. callContext carries the
	// exception's normalized context so value-based redaction can catch
	// identifiers that pattern matching misses. Must be defensive: on any
	// internal failure, return the most-redacted text produced so far.
	Sanitize(prompt string, callContext map[string]any) string
}

// CompiledPattern holds a pre-compiled regex with its replacement token.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// Apply runs the pattern over the input.
func (p *CompiledPattern) Apply(s string) string {
	return p.Regex.ReplaceAllString(s, p.Replacement)
}

// Service routes prompts to the sanitizer registered for their domain.
// Created once at startup; thread-safe and stateless aside from the
// registered sanitizers.
type Service struct {
	sanitizers map[string]DomainSanitizer // lowercased domain → sanitizer
}

// NewService creates a sanitization service with the built-in domain
// sanitizers registered.
func NewService() *Service {
	s := &Service{sanitizers: make(map[string]DomainSanitizer)}
	s.Register(NewHealthcareSanitizer())

	slog.Info("Prompt sanitization service initialized",
		"domains", len(s.sanitizers))
	return s
}

// Register adds a sanitizer for its domain, replacing any previous one.
// New domains register here without touching the provider clients.
func (s *Service) Register(ds DomainSanitizer) {
	s.sanitizers[strings.ToLower(ds.Domain())] = ds
}

// SanitizePrompt scrubs the prompt for the given domain. Domains without a
// registered sanitizer pass through unchanged.
func (s *Service) SanitizePrompt(domain, prompt string, callContext map[string]any) string {
	ds, ok := s.sanitizers[strings.ToLower(domain)]
	if !ok {
		return prompt
	}
	return ds.Sanitize(prompt, callContext)
}

// ValidatePromptForDomain is the policy enforcement point for outbound
// prompts. It always allows today; reserved for future deny rules.
func (s *Service) ValidatePromptForDomain(domain, prompt string) (bool, string) {
	_ = domain
	_ = prompt
	return true, ""
}
