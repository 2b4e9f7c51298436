package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, errorResponse{
		Error:     code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusUnprocessableEntity
	case apperror.KindConflict:
		return http.StatusConflict
	case apperror.KindGateway:
		return http.StatusBadGateway
	case apperror.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto a status and a message safe for the caller.
// Conflict and invariant details only reach the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperror.KindOf(err)
	status := statusFor(kind)

	logger := s.logger.With(
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	switch {
	case kind == apperror.KindInvariant:
		logger.Error("invariant violation")
	case status >= http.StatusInternalServerError && !errors.Is(err, apperror.Gateway):
		logger.Error("request failed")
	case kind == apperror.KindConflict:
		logger.Warn("request conflicted")
	}

	code := kind.String()
	if kind == 0 {
		code = "internal"
	}
	respondError(w, r, status, code, apperror.PublicMessage(err))
}
