package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/version"
)

// maxResponseSize caps the provider response body read.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// maxDiagnosticLen caps how much of an error response body reaches logs and
// diagnostic bags. API keys never enter diagnostics at all: they are written
// only into request headers by the provider's SetHeaders.
const maxDiagnosticLen = 200

// httpClient drives one HTTP provider. The provider supplies URL, headers,
// and JSON shapes; this client owns transport, classification, and the
// diagnostic bag.
type httpClient struct {
	provider Provider
	model    string
	http     *http.Client
	log      *slog.Logger
}

func newHTTPClient(p Provider, model string, hc *http.Client, log *slog.Logger) *httpClient {
	return &httpClient{
		provider: p,
		model:    model,
		http:     hc,
		log:      log.With("provider", p.Name(), "model", model),
	}
}

func (c *httpClient) Provider() string { return c.provider.Name() }
func (c *httpClient) Model() string    { return c.model }

// Generate performs one completion call. On failure it returns the error
// together with a result whose Raw bag records the error kind and a truncated
// diagnostic, so callers composing fallback chains keep the evidence.
func (c *httpClient) Generate(ctx context.Context, prompt string, callCtx map[string]any) (*GenerateResult, error) {
	raw := baseRaw(c.provider.Name(), c.model, prompt, callCtx)

	messages := make([]Message, 0, 2)
	if system, ok := callCtx[CtxSystemPrompt].(string); ok && system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	body, err := c.provider.BuildRequestBody(c.model, messages)
	if err != nil {
		return c.fail(raw, models.KindFatal, fmt.Errorf("build request body: %w", err))
	}

	url := c.provider.BuildURL("")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return c.fail(raw, models.KindFatal, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	c.provider.SetHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		kind := models.KindProviderError
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			kind = models.KindTimeout
		}
		return c.fail(raw, kind, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return c.fail(raw, models.KindProviderError, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		kind := models.KindProviderError
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			kind = models.KindTimeout
		}
		return c.fail(raw, kind, fmt.Errorf("provider returned status %d: %s",
			resp.StatusCode, truncate(string(respBody), maxDiagnosticLen)))
	}

	parsed, err := c.provider.ParseResponse(respBody)
	if err != nil {
		return c.fail(raw, models.KindProviderError, fmt.Errorf("parse response: %w", err))
	}

	if parsed.Model != "" {
		raw[RawModel] = parsed.Model
	}
	if parsed.TotalTokens > 0 {
		raw["total_tokens"] = parsed.TotalTokens
	}
	if parsed.FinishReason != "" {
		raw["finish_reason"] = parsed.FinishReason
	}
	return &GenerateResult{Text: parsed.Content, Raw: raw}, nil
}

func (c *httpClient) fail(raw map[string]any, kind models.ErrorKind, err error) (*GenerateResult, error) {
	raw[RawErrorKind] = string(kind)
	raw[RawError] = truncate(err.Error(), maxDiagnosticLen)
	c.log.Warn("LLM provider call failed", "error_kind", string(kind), "error", raw[RawError])
	return &GenerateResult{Raw: raw}, models.NewKindError(kind, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
