package http

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/looplab/loopcore/pkg/errors"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			// The status line is already out; nothing left to do.
			return
		}
	}
}

// respondError maps the fault taxonomy onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	var validation *apperrors.ValidationError
	var authz *apperrors.AuthorizationError
	var conflict *apperrors.ConflictError
	var version *apperrors.VersionConflict
	var capability *apperrors.CapabilityFailure
	var notScheduled *apperrors.NotScheduledError
	var notLive *apperrors.RoomNotLiveError

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &validation):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &authz):
		respondJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &version):
		respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &notScheduled), errors.As(err, &notLive):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.As(err, &capability):
		respondJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// actorID resolves the requesting user. The mobile clients authenticate
// upstream; the core trusts the forwarded identity header.
func actorID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
