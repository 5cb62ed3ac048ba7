// Package transport maps HTTP requests onto the service layer.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps service errors onto HTTP statuses. Unrecognized
// errors become opaque 500s; their detail belongs in the logs, not on
// the wire.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flerrors.ErrResourceNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, flerrors.ErrDuplicateName):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, flerrors.ErrStaleVersion):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, flerrors.ErrValidation),
		errors.Is(err, flerrors.ErrUnknownMetric),
		errors.Is(err, flerrors.ErrMetricTypeMismatch),
		errors.Is(err, flerrors.ErrInvalidArgument):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, flerrors.ErrResourceIsNil):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// pathUUID parses the named chi URL parameter as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return false
	}
	return true
}
