package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/api"
	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/test/util"
)

const (
	waitTimeout  = 30 * time.Second
	pollInterval = 100 * time.Millisecond
)

// postJSON sends a JSON body and returns the response body after checking
// the status code.
func (app *TestApp) postJSON(path, tenantID string, body any, wantStatus int) []byte {
	app.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(app.t, err, "marshal request body")
	return app.do(http.MethodPost, path, tenantID, "application/json", data, wantStatus)
}

// postYAML sends a raw pack document to a registration endpoint.
func (app *TestApp) postYAML(path, tenantID, doc string, wantStatus int) []byte {
	app.t.Helper()
	return app.do(http.MethodPost, path, tenantID, "application/yaml", []byte(doc), wantStatus)
}

// getJSON fetches a path under the tenant scope.
func (app *TestApp) getJSON(path, tenantID string, wantStatus int) []byte {
	app.t.Helper()
	return app.do(http.MethodGet, path, tenantID, "", nil, wantStatus)
}

func (app *TestApp) do(method, path, tenantID, contentType string, body []byte, wantStatus int) []byte {
	app.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, app.Server.URL+path, reader)
	require.NoError(app.t, err, "build %s %s", method, path)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tenantID != "" {
		req.Header.Set(api.HeaderTenantID, tenantID)
	}

	resp, err := app.Server.Client().Do(req)
	require.NoError(app.t, err, "%s %s", method, path)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err, "read %s %s response", method, path)
	require.Equal(app.t, wantStatus, resp.StatusCode,
		"%s %s: unexpected status, body: %s", method, path, out)
	return out
}

// RegisterSettlementPack registers the settlement demo pack under the tenant
// and returns the acceptance.
func (app *TestApp) RegisterSettlementPack(tenantID, version string) api.PackAcceptedResponse {
	app.t.Helper()
	body := app.postYAML("/api/v1/packs/domain", tenantID, util.SettlementPack(version), http.StatusCreated)
	var resp api.PackAcceptedResponse
	require.NoError(app.t, json.Unmarshal(body, &resp), "decode pack acceptance")
	require.Equal(app.t, util.FixtureDomain, resp.Domain)
	return resp
}

// RegisterSettlementPolicy registers a tenant policy over the settlement
// pack with the given approved tools and approval rules.
func (app *TestApp) RegisterSettlementPolicy(tenantID, version string, approvedTools []string, rules ...util.ApprovalRule) api.PackAcceptedResponse {
	app.t.Helper()
	doc := util.SettlementPolicy(tenantID, version, approvedTools, rules...)
	body := app.postYAML("/api/v1/packs/tenant", tenantID, doc, http.StatusCreated)
	var resp api.PackAcceptedResponse
	require.NoError(app.t, json.Unmarshal(body, &resp), "decode policy acceptance")
	require.Equal(app.t, tenantID, resp.TenantID)
	return resp
}

// IngestException submits one exception and returns its id.
func (app *TestApp) IngestException(req api.IngestExceptionRequest) string {
	app.t.Helper()
	body := app.postJSON("/api/v1/exceptions", req.TenantID, req, http.StatusAccepted)
	var resp api.IngestResponse
	require.NoError(app.t, json.Unmarshal(body, &resp), "decode ingest response")
	require.NotEmpty(app.t, resp.ExceptionID)
	return resp.ExceptionID
}

// GetException fetches one exception through the query API.
func (app *TestApp) GetException(tenantID, exceptionID string) *models.Exception {
	app.t.Helper()
	body := app.getJSON("/api/v1/exceptions/"+exceptionID, tenantID, http.StatusOK)
	var exc models.Exception
	require.NoError(app.t, json.Unmarshal(body, &exc), "decode exception")
	return &exc
}

// ExceptionEvents fetches the exception's event log in append order.
func (app *TestApp) ExceptionEvents(tenantID, exceptionID string) []models.CanonicalEvent {
	app.t.Helper()
	body := app.getJSON(fmt.Sprintf("/api/v1/exceptions/%s/events", exceptionID), tenantID, http.StatusOK)
	var resp api.EventsResponse
	require.NoError(app.t, json.Unmarshal(body, &resp), "decode events response")
	return resp.Events
}

// WaitForStatus polls the query API until the exception reaches the wanted
// status and returns the final record.
func (app *TestApp) WaitForStatus(tenantID, exceptionID string, want models.ExceptionStatus) *models.Exception {
	app.t.Helper()
	var last models.ExceptionStatus
	require.Eventually(app.t, func() bool {
		exc, err := app.Stores.Exceptions.Get(context.Background(), tenantID, exceptionID)
		if err != nil {
			return false
		}
		last = exc.Status
		return exc.Status == want
	}, waitTimeout, pollInterval,
		"exception %s did not reach status %v (last: %s)", exceptionID, want, last)
	return app.GetException(tenantID, exceptionID)
}

// WaitForEventCount polls the event log until at least n events of the given
// type are present and returns the full log.
func (app *TestApp) WaitForEventCount(tenantID, exceptionID string, et models.EventType, n int) []models.CanonicalEvent {
	app.t.Helper()
	var lastCount int
	require.Eventually(app.t, func() bool {
		evs, err := app.Stores.Events.EventsFor(context.Background(), tenantID, exceptionID)
		if err != nil {
			return false
		}
		lastCount = len(eventsOfType(evs, et))
		return lastCount >= n
	}, waitTimeout, pollInterval,
		"exception %s never logged %d %s events (last: %d)", exceptionID, n, et, lastCount)
	return app.ExceptionEvents(tenantID, exceptionID)
}

// eventsOfType filters a log down to one event type, keeping order.
func eventsOfType(evs []models.CanonicalEvent, et models.EventType) []models.CanonicalEvent {
	var out []models.CanonicalEvent
	for _, ev := range evs {
		if ev.EventType == et {
			out = append(out, ev)
		}
	}
	return out
}

// eventTypes projects a log onto its type sequence for order assertions.
func eventTypes(evs []models.CanonicalEvent) []models.EventType {
	out := make([]models.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.EventType
	}
	return out
}

// decodePayload decodes one event's payload into its typed form.
func decodePayload[T any](t *testing.T, ev models.CanonicalEvent) T {
	t.Helper()
	out, err := events.Decode[T](ev)
	require.NoError(t, err, "decode %s payload", ev.EventType)
	return out
}

// auditReasons flattens audit record reasons for contains-style assertions.
func auditReasons(records []audit.Record) string {
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r.Reason)
		b.WriteString("\n")
	}
	return b.String()
}

// auditFor filters one exception's audit records down to a category.
func auditFor(records []audit.Record, category audit.Category) []audit.Record {
	var out []audit.Record
	for _, r := range records {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out
}
