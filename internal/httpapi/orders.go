package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/checkout"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
	"github.com/safar/portal-billing/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type orderResponse struct {
	Order            *models.Order            `json:"order"`
	PaymentReference *models.PaymentReference `json:"payment_reference,omitempty"`
	Invoice          *models.Invoice          `json:"invoice,omitempty"`
	Services         []models.Service         `json:"services,omitempty"`
}

func (s *Server) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.checkout.Checkout(r.Context(), req)
	if err != nil {
		if result != nil && errors.Is(err, apperror.Gateway) {
			s.logger.Warn("checkout left order pending",
				zap.String("order_id", result.Order.ID),
				zap.Error(err),
			)
			respondJSON(w, http.StatusBadGateway, map[string]any{
				"error":   apperror.KindGateway.String(),
				"message": apperror.PublicMessage(err),
				"order":   result.Order,
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, orderResponse{Order: result.Order, PaymentReference: result.Reference})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "owner_id is required")
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageSize)
	}

	page, err := s.orders.ListOrdersCursor(r.Context(), ownerID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			respondError(w, r, http.StatusBadRequest, "invalid_request", "cursor is invalid")
			return
		}
		s.writeError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []models.Order{}
	}
	respondJSON(w, http.StatusOK, page)
}

// getOrder returns the order with its current reference, invoice and
// services. Reference expiry is evaluated here without writing it back.
func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := s.loadOrder(w, r)
	if !ok {
		return
	}

	resp := orderResponse{Order: order}

	refs, err := s.orders.ListPaymentReferences(ctx, order.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.clock()
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i].SupersededBy == "" {
			ref := refs[i]
			ref.Status = ref.EffectiveStatus(now)
			resp.PaymentReference = &ref
			break
		}
	}

	invoice, err := s.orders.GetActiveInvoice(ctx, order.ID)
	switch {
	case err == nil:
		resp.Invoice = invoice
	case !errors.Is(err, database.ErrInvoiceNotFound):
		s.writeError(w, r, err)
		return
	}

	if resp.Services, err = s.orders.ListServicesByOrder(ctx, order.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) issueReference(w http.ResponseWriter, r *http.Request) {
	order, ok := s.loadOrder(w, r)
	if !ok {
		return
	}

	ref, updated, err := s.issuer.Issue(r.Context(), order)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, orderResponse{Order: updated, PaymentReference: ref})
}

func (s *Server) loadOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	order, err := s.orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			err = apperror.NewNotFound("httpapi.loadOrder", err)
		}
		s.writeError(w, r, err)
		return nil, false
	}
	return order, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return false
	}
	return true
}
