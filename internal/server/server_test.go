package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harnessworks/conductor/internal/server/handlers"
	"github.com/harnessworks/conductor/internal/server/middleware"
	"github.com/harnessworks/conductor/pkg/workload"
)

func newTestAPI(t *testing.T) *handlers.WorkloadAPI {
	t.Helper()
	store := workload.NewFileStore(t.TempDir())
	return handlers.NewWorkloadAPI(store, nil, "default", nil)
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body middleware.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port, nil)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_Handler(t *testing.T) {
	srv := New("127.0.0.1", 8080, nil)
	handler := srv.Handler()
	assert.NotNil(t, handler)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0, nil)

	// POST to a GET-only endpoint should return 405
	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body middleware.ErrorResponse
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	// Initialize health manager for health endpoint tests
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0, newTestAPI(t))

	endpoints := []struct {
		method string
		path   string
		want   int // expected status (200 or other success code)
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/health/startup", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/v1/workloads", http.StatusOK},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rec := httptest.NewRecorder()

			srv.Handler().ServeHTTP(rec, req)

			// Just verify route is registered and returns expected status
			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s should return %d", ep.method, ep.path, ep.want)
		})
	}
}

func TestServer_SubmitAndGetWorkload(t *testing.T) {
	srv := New("127.0.0.1", 0, newTestAPI(t))

	body, err := json.Marshal(workload.Request{
		Kind:           workload.KindDocs,
		TaskID:         7,
		Service:        "billing",
		Repository:     "https://github.com/acme/billing",
		DocsRepository: "https://github.com/acme/docs",
		BaseBranch:     "feature/x",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/workloads", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created workload.Workload
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, workload.PhasePending, created.Status.Phase)
	assert.Equal(t, 1, created.Spec.ContextVersion)
	assert.Equal(t, "feature/x", created.Spec.BaseBranch)

	// Fetch it back
	req = httptest.NewRequest(http.MethodGet, "/v1/workloads/"+created.Name, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_SubmitValidationError(t *testing.T) {
	srv := New("127.0.0.1", 0, newTestAPI(t))

	body, err := json.Marshal(workload.Request{
		Kind:   workload.KindDocs,
		TaskID: 0, // missing required fields
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/workloads", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

func TestServer_GetUnknownWorkload(t *testing.T) {
	srv := New("127.0.0.1", 0, newTestAPI(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/workloads/no-such", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}
