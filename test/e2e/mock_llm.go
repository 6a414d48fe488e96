package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// scriptedCall is one provider request the transport observed.
type scriptedCall struct {
	URL    string
	Model  string
	Prompt string
}

// scriptedTransport serves a fixed sequence of chat completions to the HTTP
// providers, in call order, and records every request. Install it with
// WithTransport plus a routing config that selects an HTTP provider.
type scriptedTransport struct {
	mu        sync.Mutex
	responses []string
	calls     []scriptedCall
}

func newScriptedTransport(contents ...string) *scriptedTransport {
	return &scriptedTransport{responses: contents}
}

// AddResponse appends one completion to the script. The content is returned
// verbatim as the assistant message of the next unserved request.
func (s *scriptedTransport) AddResponse(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, content)
}

// Calls returns the requests served so far.
func (s *scriptedTransport) Calls() []scriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("scripted transport: malformed provider request: %w", err)
	}

	call := scriptedCall{URL: req.URL.String(), Model: parsed.Model}
	if n := len(parsed.Messages); n > 0 {
		call.Prompt = parsed.Messages[n-1].Content
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	serial := len(s.calls)
	var content string
	if len(s.responses) > 0 {
		content = s.responses[0]
		s.responses = s.responses[1:]
	}
	s.mu.Unlock()

	if content == "" {
		return nil, fmt.Errorf("scripted transport: no response scripted for call %d (%s)", serial, call.URL)
	}
	return jsonResponse(http.StatusOK, completionBody(serial, parsed.Model, content)), nil
}

// completionBody renders an OpenAI-compatible chat completion around the
// scripted content.
func completionBody(serial int, model, content string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":    fmt.Sprintf("chatcmpl-%06d", serial),
		"model": model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": content,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     32,
			"completion_tokens": 24,
			"total_tokens":      56,
		},
	})
	return body
}

// failingTransport answers every provider request with a 503, so fallback
// chains exhaust deterministically. It counts calls per host.
type failingTransport struct {
	mu    sync.Mutex
	calls map[string]int
}

func newFailingTransport() *failingTransport {
	return &failingTransport{calls: map[string]int{}}
}

// CallsTo returns how many requests reached the given host.
func (f *failingTransport) CallsTo(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

func (f *failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	f.mu.Lock()
	f.calls[req.URL.Host]++
	f.mu.Unlock()
	return jsonResponse(http.StatusServiceUnavailable,
		[]byte(`{"error": {"message": "upstream unavailable", "type": "server_error"}}`)), nil
}

func jsonResponse(status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// stageJSON renders a stage output document for a scripted completion.
func stageJSON(fields map[string]any) string {
	data, _ := json.Marshal(fields)
	return string(data)
}
