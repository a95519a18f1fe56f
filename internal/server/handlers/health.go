// Package handlers implements the HTTP API: health probes and the
// workload submission and lifecycle endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/harnessworks/conductor/internal/server/middleware"
	"github.com/harnessworks/conductor/pkg/substrate"
	"github.com/harnessworks/conductor/pkg/workload"
)

// checkTimeout bounds each individual health check.
const checkTimeout = 2 * time.Second

// Checker is one dependency probe (store, substrate, git remote).
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// StoreChecker probes the workload store with a list.
type StoreChecker struct {
	Store workload.Store
}

// CheckHealth implements Checker.
func (c StoreChecker) CheckHealth(ctx context.Context) error {
	_, err := c.Store.List(ctx)
	return err
}

// SubstrateChecker probes the execution substrate with a job list.
type SubstrateChecker struct {
	Provider substrate.Provider
}

// CheckHealth implements Checker.
func (c SubstrateChecker) CheckHealth(ctx context.Context) error {
	_, err := c.Provider.ListJobs(ctx, nil)
	return err
}

// HealthResponse is the wire shape of a healthy probe response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates registered checkers into probe responses.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewHealthManager builds a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]Checker)}
}

// RegisterChecker adds a named dependency probe.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// HealthHandler runs every checker and reports aggregate health.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		details := map[string]any{"checks": checks}
		resp := middleware.NewErrorResponse("SERVICE_UNAVAILABLE", "one or more health checks failed").
			WithRequestID(middleware.GetRequestID(r.Context())).
			WithDetails(details)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// LivenessHandler reports process liveness without running checkers.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	})
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	checks := make(map[string]string, len(checkers))
	for name, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(checkCtx)
		cancel()
		switch {
		case err == nil:
			checks[name] = "healthy"
		case checkCtx.Err() != nil:
			checks[name] = "timeout"
		default:
			checks[name] = "unhealthy"
		}
	}
	return checks
}

// determineOverallStatus folds individual results: any unhealthy check
// fails the probe, timeouts only degrade it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

var (
	healthMu            sync.Mutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide health manager.
func InitHealthManager(version string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil before init.
func GetHealthManager() *HealthManager {
	healthMu.Lock()
	defer healthMu.Unlock()
	return globalHealthManager
}

// HealthHandler serves /health via the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if m := GetHealthManager(); m != nil {
		m.HealthHandler(w, r)
		return
	}
	middleware.WriteError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "health manager not initialized")
}

// LivenessHandler serves /health/live via the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if m := GetHealthManager(); m != nil {
		m.LivenessHandler(w, r)
		return
	}
	middleware.WriteError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "health manager not initialized")
}

// ReadinessHandler serves /health/ready via the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	HealthHandler(w, r)
}

// StartupHandler serves /health/startup via the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	LivenessHandler(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
