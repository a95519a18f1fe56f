package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harnessworks/conductor/internal/server/middleware"
	sublocal "github.com/harnessworks/conductor/pkg/substrate/local"
	"github.com/harnessworks/conductor/pkg/workload"
)

// checkFunc adapts a function to the Checker interface.
type checkFunc func(ctx context.Context) error

func (f checkFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// swapGlobalManager isolates tests that touch the process-wide manager.
func swapGlobalManager(t *testing.T) {
	t.Helper()
	original := globalHealthManager
	t.Cleanup(func() { globalHealthManager = original })
}

func TestHealthHandler_Healthy(t *testing.T) {
	store := workload.NewFileStore(t.TempDir())
	provider := sublocal.New(t.TempDir(), "default", nil)

	m := NewHealthManager("1.2.3")
	m.RegisterChecker("store", StoreChecker{Store: store})
	m.RegisterChecker("substrate", SubstrateChecker{Provider: provider})

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["store"])
	assert.Equal(t, "healthy", resp.Checks["substrate"])
}

func TestHealthHandler_UnhealthyDependency(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("store", checkFunc(func(context.Context) error { return nil }))
	m.RegisterChecker("substrate", checkFunc(func(context.Context) error {
		return errors.New("cluster unreachable")
	}))

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "the envelope carries per-check results")
	assert.Equal(t, "unhealthy", checks["substrate"])
	assert.Equal(t, "healthy", checks["store"])
}

func TestHealthHandler_TimeoutDegrades(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("slow", checkFunc(func(ctx context.Context) error {
		return ctx.Err()
	}))

	// An already-expired request context makes every check context expired
	// too; the probe degrades but does not fail.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx)

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["slow"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")

	tests := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"no checks", nil, "healthy"},
		{"all healthy", map[string]string{"store": "healthy"}, "healthy"},
		{"timeout degrades", map[string]string{"store": "healthy", "substrate": "timeout"}, "degraded"},
		{"unhealthy wins over timeout", map[string]string{"store": "timeout", "substrate": "unhealthy"}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks))
		})
	}
}

func TestLivenessHandler_SkipsCheckers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("store", checkFunc(func(context.Context) error {
		return errors.New("down")
	}))

	rec := httptest.NewRecorder()
	m.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	// Liveness is about the process, not its dependencies.
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Empty(t, resp.Checks)
}

func TestStoreChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		c := StoreChecker{Store: workload.NewFileStore(t.TempDir())}
		assert.NoError(t, c.CheckHealth(context.Background()))
	})

	t.Run("unreadable store root", func(t *testing.T) {
		root := t.TempDir()
		// A file where the workloads directory belongs makes listing fail.
		require.NoError(t, os.WriteFile(filepath.Join(root, "workloads"), []byte("x"), 0o644))

		c := StoreChecker{Store: workload.NewFileStore(root)}
		assert.Error(t, c.CheckHealth(context.Background()))
	})
}

func TestSubstrateChecker(t *testing.T) {
	c := SubstrateChecker{Provider: sublocal.New(t.TempDir(), "default", nil)}
	assert.NoError(t, c.CheckHealth(context.Background()))
}

func TestGlobalManagerLifecycle(t *testing.T) {
	swapGlobalManager(t)

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())

	InitHealthManager("0.9.0")
	require.NotNil(t, GetHealthManager())
}

func TestGlobalHandlers(t *testing.T) {
	swapGlobalManager(t)
	InitHealthManager("dev")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		path    string
	}{
		{"health", HealthHandler, "/health"},
		{"liveness", LivenessHandler, "/health/live"},
		{"readiness", ReadinessHandler, "/health/ready"},
		{"startup", StartupHandler, "/health/startup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestGlobalHandlers_Uninitialized(t *testing.T) {
	swapGlobalManager(t)
	globalHealthManager = nil

	for name, handler := range map[string]http.HandlerFunc{
		"health":    HealthHandler,
		"liveness":  LivenessHandler,
		"readiness": ReadinessHandler,
		"startup":   StartupHandler,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, http.StatusServiceUnavailable, rec.Code)

			var resp middleware.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
		})
	}
}
