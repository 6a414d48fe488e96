package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/store"
)

// testEnv bundles a server over in-memory everything.
type testEnv struct {
	server *Server
	stores *store.Stores
	broker *events.MemoryBroker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := events.NewMemoryBroker(
		events.WithMemoryLogger(log),
		events.WithMemoryRedeliveryDelay(time.Millisecond),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = broker.Close(ctx)
	})

	validator, err := pack.NewValidator()
	require.NoError(t, err, "pack schemas must compile")

	stores := store.NewMemoryStores()
	server := NewServer(Deps{
		Stores:    stores,
		Registry:  pack.NewRegistry(),
		Validator: validator,
		Broker:    broker,
		Log:       log,
	})
	return &testEnv{server: server, stores: stores, broker: broker}
}

// do runs one request through the full router.
func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeJSON parses a response body into out.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
		"response body should be JSON: %s", rec.Body.String())
}

func tenantHeader(tenant string) map[string]string {
	return map[string]string{HeaderTenantID: tenant}
}

func TestServer_UnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/nonsense", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines",
		"the default registry collectors should render")
}

func TestServer_ReloadWithoutFabric(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/admin/routing/reload", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
