package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/safar/portal-billing/internal/models"
)

type statusUpdateRequest struct {
	Expected string `json:"expected"`
	Status   string `json:"status"`
}

// adminUpdateStatus applies an operator transition. The caller states the
// status it saw; a stale view is answered with 409.
func (s *Server) adminUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}

	expected, err := models.ParseOrderStatus(req.Expected)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "expected must be a known order status")
		return
	}
	next, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "status must be a known order status")
		return
	}

	order, err := s.engine.UpdateStatus(r.Context(), chi.URLParam(r, "id"), expected, next)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) adminCancel(w http.ResponseWriter, r *http.Request) {
	s.adminOrderAction(w, r, s.engine.Cancel)
}

func (s *Server) adminReject(w http.ResponseWriter, r *http.Request) {
	s.adminOrderAction(w, r, s.engine.Reject)
}

func (s *Server) adminReconcile(w http.ResponseWriter, r *http.Request) {
	s.adminOrderAction(w, r, s.engine.Reconcile)
}

func (s *Server) adminPoll(w http.ResponseWriter, r *http.Request) {
	s.adminOrderAction(w, r, s.engine.Poll)
}

func (s *Server) adminDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adminOrderAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) (*models.Order, error)) {
	order, err := action(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}
