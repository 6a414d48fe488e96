package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/models"
)

// Invocation caps applied when the tool definition leaves them unset.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 3

	// retryDelay is the linear backoff unit between live attempts.
	retryDelay = 250 * time.Millisecond

	// maxResponseBytes bounds how much of a tool response is read.
	maxResponseBytes = 1 << 20
)

// Invocation outcome labels, recorded on the invocation record and in audit.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// InvokeInput describes one tool invocation request.
type InvokeInput struct {
	Tool        string
	Args        map[string]any
	TenantID    string
	ExceptionID string
	Policy      *models.TenantPolicyPack
	Pack        *models.DomainPack

	// DryRun forces a synthetic invocation even when the invoker runs live.
	DryRun bool

	// AttemptCap, when positive, lowers the attempt budget below the tool's
	// declared MaxRetries. Recovery paths use 1 to forbid retries.
	AttemptCap int
}

// InvocationRecord is the outcome of one tool invocation.
type InvocationRecord struct {
	Tool       string         `json:"tool"`
	Endpoint   string         `json:"endpoint"`
	Status     string         `json:"status"`
	DryRun     bool           `json:"dry_run"`
	Attempts   int            `json:"attempts"`
	StatusCode int            `json:"status_code,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// ToolInvocationError reports a live tool call that exhausted its attempt
// budget. Invoke wraps it with kind ToolInvocationFailed.
type ToolInvocationError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %q failed after %d attempts: %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolInvocationError) Unwrap() error {
	return e.Err
}

// Invoker executes allow-listed tools against their declared endpoints.
// The zero configuration is dry-run: nothing leaves the process unless the
// invoker was built live and the call does not force a dry run.
type Invoker struct {
	httpClient *http.Client
	sink       audit.Sink
	log        *slog.Logger
	live       bool

	// sleep is swapped out by tests to skip real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithHTTPClient overrides the HTTP client used for live invocations.
func WithHTTPClient(c *http.Client) InvokerOption {
	return func(inv *Invoker) {
		if c != nil {
			inv.httpClient = c
		}
	}
}

// WithAuditSink sets where invocation records go.
func WithAuditSink(s audit.Sink) InvokerOption {
	return func(inv *Invoker) {
		if s != nil {
			inv.sink = s
		}
	}
}

// WithLogger sets the invoker's logger.
func WithLogger(log *slog.Logger) InvokerOption {
	return func(inv *Invoker) {
		if log != nil {
			inv.log = log
		}
	}
}

// WithLiveMode enables live execution. Without it every invocation is
// synthetic.
func WithLiveMode(live bool) InvokerOption {
	return func(inv *Invoker) { inv.live = live }
}

// NewInvoker builds a dry-run invoker; options enable live mode and wiring.
func NewInvoker(opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		httpClient: &http.Client{},
		sink:       audit.NopSink{},
		log:        slog.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.log = inv.log.With("component", "tool_invoker")
	return inv
}

// Invoke validates the allow-list and arguments, then executes the tool.
// Dry runs return a synthetic success without touching the endpoint. Live
// runs post JSON with the tool's timeout and attempt caps; exhausting the
// budget returns a ToolInvocationError of kind ToolInvocationFailed.
func (inv *Invoker) Invoke(ctx context.Context, in InvokeInput) (*InvocationRecord, error) {
	if err := CheckAllowed(in.Policy, in.Pack, in.Tool); err != nil {
		return nil, err
	}
	def := in.Pack.Tools[in.Tool]

	if err := ValidateArgs(def, in.Args); err != nil {
		return nil, err
	}

	if in.DryRun || !inv.live {
		rec := &InvocationRecord{
			Tool:     in.Tool,
			Endpoint: def.Endpoint,
			Status:   StatusSuccess,
			DryRun:   true,
			Response: map[string]any{
				"dry_run": true,
				"tool":    in.Tool,
			},
		}
		inv.audit(ctx, in, rec, nil)
		inv.log.Info("Tool invoked (dry run)",
			"tool", in.Tool,
			"tenant_id", in.TenantID,
			"endpoint", def.Endpoint)
		return rec, nil
	}

	return inv.invokeLive(ctx, in, def)
}

func (inv *Invoker) invokeLive(ctx context.Context, in InvokeInput, def models.ToolDefinition) (*InvocationRecord, error) {
	timeout := time.Duration(def.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxAttempts := def.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if in.AttemptCap > 0 && in.AttemptCap < maxAttempts {
		maxAttempts = in.AttemptCap
	}

	body, err := json.Marshal(map[string]any{
		"tool":         in.Tool,
		"tenant_id":    in.TenantID,
		"exception_id": in.ExceptionID,
		"arguments":    in.Args,
	})
	if err != nil {
		return nil, models.Errorf(models.KindValidationFailed, "tool arguments not serializable: %v", err)
	}

	start := time.Now()
	var lastErr error
	made := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := inv.sleep(ctx, time.Duration(attempt-1)*retryDelay); err != nil {
				lastErr = err
				break
			}
		}
		made = attempt

		statusCode, response, err := inv.post(ctx, def.Endpoint, body, timeout)
		if err == nil {
			rec := &InvocationRecord{
				Tool:       in.Tool,
				Endpoint:   def.Endpoint,
				Status:     StatusSuccess,
				Attempts:   attempt,
				StatusCode: statusCode,
				Response:   response,
				DurationMS: time.Since(start).Milliseconds(),
			}
			inv.audit(ctx, in, rec, nil)
			inv.log.Info("Tool invoked",
				"tool", in.Tool,
				"tenant_id", in.TenantID,
				"attempts", attempt,
				"status_code", statusCode)
			return rec, nil
		}

		lastErr = err
		inv.log.Warn("Tool invocation attempt failed",
			"tool", in.Tool,
			"tenant_id", in.TenantID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err)
	}

	rec := &InvocationRecord{
		Tool:       in.Tool,
		Endpoint:   def.Endpoint,
		Status:     StatusFailed,
		Attempts:   made,
		DurationMS: time.Since(start).Milliseconds(),
	}
	ierr := &ToolInvocationError{Tool: in.Tool, Attempts: made, Err: lastErr}
	inv.audit(ctx, in, rec, ierr)
	return nil, models.NewKindError(models.KindToolInvocationFailed, ierr)
}

// post sends one bounded request and reads a bounded response. 2xx statuses
// succeed; the JSON body, when present, is returned decoded.
func (inv *Invoker) post(ctx context.Context, endpoint string, body []byte, timeout time.Duration) (int, map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid tool endpoint %q: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := inv.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("tool endpoint unreachable: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("failed to read tool response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res.StatusCode, nil, fmt.Errorf("tool endpoint returned status %d: %s",
			res.StatusCode, truncateBody(data, 200))
	}

	var response map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &response); err != nil {
			response = map[string]any{"body": truncateBody(data, 200)}
		}
	}
	return res.StatusCode, response, nil
}

func (inv *Invoker) audit(ctx context.Context, in InvokeInput, rec *InvocationRecord, cause error) {
	r := audit.NewRecord(audit.CategoryInvocation, in.ExceptionID, in.TenantID).
		WithStatus(rec.Status).
		WithDetail("tool", rec.Tool).
		WithDetail("endpoint", rec.Endpoint).
		WithDetail("dry_run", rec.DryRun).
		WithDetail("attempts", rec.Attempts)
	if cause != nil {
		r = r.WithReason(truncateBody([]byte(cause.Error()), 200))
	}
	if err := inv.sink.Append(ctx, r); err != nil {
		inv.log.Error("Failed to append audit record",
			"category", string(audit.CategoryInvocation),
			"tool", rec.Tool,
			"error", err)
	}
}

func truncateBody(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sleepCtx blocks for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
