package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/harnessworks/conductor/internal/server/middleware"
	"github.com/harnessworks/conductor/pkg/workload"
)

// BranchDetector captures the submitter's current branch. Nil when the
// server has no local working copy; submissions must then carry an
// explicit base branch or go without one.
type BranchDetector interface {
	DetectBaseBranch(ctx context.Context) (string, error)
}

// WorkloadAPI serves the workload lifecycle endpoints.
type WorkloadAPI struct {
	store     workload.Store
	detector  BranchDetector
	namespace string
	log       *zap.Logger
}

// NewWorkloadAPI builds the API. detector may be nil.
func NewWorkloadAPI(store workload.Store, detector BranchDetector, namespace string, log *zap.Logger) *WorkloadAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkloadAPI{store: store, detector: detector, namespace: namespace, log: log}
}

// Routes mounts the workload endpoints on a chi router.
func (a *WorkloadAPI) Routes(r chi.Router) {
	r.Post("/workloads", a.Submit)
	r.Get("/workloads", a.List)
	r.Get("/workloads/{name}", a.Get)
	r.Delete("/workloads/{name}", a.Delete)
	r.Post("/workloads/{name}/retry", a.Retry)
	r.Get("/workloads/{name}/attempts", a.Attempts)
}

// Submit accepts a workload request, captures the base branch when the
// submitter did not pin one, and persists the Pending workload.
func (a *WorkloadAPI) Submit(w http.ResponseWriter, r *http.Request) {
	var req workload.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body: "+err.Error())
		return
	}

	// The base branch is captured exactly once, here. Everything downstream
	// (clone, verification, the eventual PR base) reads the persisted value.
	if req.BaseBranch == "" && a.detector != nil {
		branch, err := a.detector.DetectBaseBranch(r.Context())
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		req.BaseBranch = branch
	}

	wl, err := workload.Submit(r.Context(), a.store, a.namespace, &req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	a.log.Info("Workload submitted",
		zap.String("workload", wl.Name),
		zap.String("base_branch", wl.Spec.BaseBranch),
		zap.Int("context_version", wl.Spec.ContextVersion))
	writeJSON(w, http.StatusCreated, wl)
}

// List returns every workload in the store.
func (a *WorkloadAPI) List(w http.ResponseWriter, r *http.Request) {
	workloads, err := a.store.List(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if workloads == nil {
		workloads = []*workload.Workload{}
	}
	writeJSON(w, http.StatusOK, workloads)
}

// Get returns one workload by name.
func (a *WorkloadAPI) Get(w http.ResponseWriter, r *http.Request) {
	wl, err := a.store.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// Delete tombstones the workload; the reconciler tears down resources and
// erases the record.
func (a *WorkloadAPI) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.store.Delete(r.Context(), name); err != nil {
		respondWithError(w, r, err)
		return
	}
	a.log.Info("Workload deletion requested", zap.String("workload", name))
	w.WriteHeader(http.StatusAccepted)
}

// Retry starts a new attempt for a failed workload. ?continue=true resumes
// the prior agent session.
func (a *WorkloadAPI) Retry(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	continueSession := r.URL.Query().Get("continue") == "true"

	wl, err := workload.Retry(r.Context(), a.store, name, continueSession)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	a.log.Info("Workload retry accepted",
		zap.String("workload", name),
		zap.Int("context_version", wl.Spec.ContextVersion),
		zap.Bool("continue_session", continueSession))
	writeJSON(w, http.StatusOK, wl)
}

// Attempts returns the attempt history for the workload's task.
func (a *WorkloadAPI) Attempts(w http.ResponseWriter, r *http.Request) {
	wl, err := a.store.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	attempts, err := a.store.Attempts(r.Context(), wl.Spec.Service, wl.Spec.TaskID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []workload.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
