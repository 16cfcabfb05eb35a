// Package http exposes the REST surface of the Drover core service.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/port/agentgateway"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// readJSON decodes the request body into T, rejecting unknown fields and
// oversized bodies.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return v, nil
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrRunNotResumable),
		errors.Is(err, domain.ErrRunNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, agentgateway.ErrRejected):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// urlParam returns a chi URL parameter.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
