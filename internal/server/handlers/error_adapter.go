package handlers

import (
	"net/http"

	"github.com/harnessworks/conductor/internal/server/middleware"
	"github.com/harnessworks/conductor/pkg/workload"
)

// HTTPErrorResponder renders an error as an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// httpErrorResponder is the active responder. Swappable so embedders can
// install their own error rendering.
var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder installs a custom responder. Passing nil restores
// the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		responder = defaultErrorResponder
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// defaultErrorResponder maps the workload error taxonomy onto HTTP status
// codes and the standard envelope.
func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"

	switch {
	case workload.IsNotFound(err):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case workload.IsConfiguration(err):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case workload.IsConflict(err):
		status, code = http.StatusConflict, "CONFLICT"
	case workload.IsRepositorySync(err):
		status, code = http.StatusBadGateway, "REPOSITORY_SYNC_FAILED"
	case workload.IsVerification(err):
		status, code = http.StatusUnprocessableEntity, "VERIFICATION_FAILED"
	}

	middleware.WriteError(w, r, status, code, err.Error())
}
