package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"kite-server/internal/group"
)

type errorResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a service failure kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, group.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, group.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, group.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, group.ErrAlreadyMember), errors.Is(err, group.ErrLastOwnerCannotLeave):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fields ValidationErrors
	if errors.As(err, &fields) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid", Message: "invalid request body", Fields: fields})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		// Internal details stay in the log.
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, status, errorResponse{Error: "internal", Message: "internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: group.Outcome(err), Message: group.Reason(err)})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid", Message: message})
}
