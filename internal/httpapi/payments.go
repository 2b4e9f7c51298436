package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/reconcile"
)

const signatureHeader = "X-Signature"

type callbackRequest struct {
	Reference string          `json:"reference"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    string          `json:"paid_at"`
}

// paymentCallback receives gateway confirmations. When a callback secret is
// configured the body must carry a hex HMAC-SHA256 signature.
func (s *Server) paymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "request body could not be read")
		return
	}

	if len(s.secret) > 0 && !validSignature(s.secret, body, r.Header.Get(signatureHeader)) {
		s.logger.Warn("callback signature rejected", zap.String("remote_ip", clientIP(r)))
		respondError(w, r, http.StatusUnauthorized, "invalid_signature", "signature does not match")
		return
	}

	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.Reference) == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "order_id and reference are required")
		return
	}

	var paidAt time.Time
	if req.PaidAt != "" {
		if paidAt, err = time.Parse(time.RFC3339, req.PaidAt); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid_request", "paid_at must be RFC 3339")
			return
		}
	}

	order, err := s.engine.Confirm(r.Context(), reconcile.Confirmation{
		OrderID:   strings.TrimSpace(req.OrderID),
		Reference: strings.TrimSpace(req.Reference),
		Amount:    req.Amount,
		PaidAt:    paidAt,
		Source:    reconcile.SourceCallback,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"order_id": order.ID, "status": string(order.Status)})
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(sign(secret, body))
	return hmac.Equal(got, want)
}
