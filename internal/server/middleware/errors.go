// Package middleware provides the HTTP middleware chain: request IDs,
// panic recovery, and the JSON error envelope every handler emits.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

// ErrorResponse is the wire shape of every error the API returns.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error code, message and optional context.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewErrorResponse builds an envelope with a code and message.
func NewErrorResponse(code, message string) *ErrorResponse {
	return &ErrorResponse{Error: ErrorBody{Code: code, Message: message}}
}

// WithRequestID attaches the request ID to the envelope.
func (e *ErrorResponse) WithRequestID(id string) *ErrorResponse {
	e.Error.RequestID = id
	return e
}

// WithDetails attaches structured context to the envelope.
func (e *ErrorResponse) WithDetails(details map[string]any) *ErrorResponse {
	e.Error.Details = details
	return e
}

// RequestID assigns each request an ID, honoring an inbound X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Recovery converts panics into 500 responses with the standard envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				resp := NewErrorResponse("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec)).
					WithRequestID(GetRequestID(r.Context()))
				writeErrorResponse(w, resp, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for call sites that read
// better with this name.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// WriteError emits the standard envelope with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := NewErrorResponse(code, message)
	if r != nil {
		resp = resp.WithRequestID(GetRequestID(r.Context()))
	}
	writeErrorResponse(w, resp, status)
}

func writeErrorResponse(w http.ResponseWriter, resp *ErrorResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
