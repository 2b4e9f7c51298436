package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveTransition(t *testing.T) {
	m := Nop()
	m.ObserveTransition("awaiting_payment", "paid")
	m.ObserveTransition("awaiting_payment", "paid")

	require.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("awaiting_payment", "paid")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := Nop()
	m.ObserveGatewayCall("request_reference", "ok", 120*time.Millisecond)
	m.ObserveConfirmation("callback", ConfirmationRejected)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "portal_billing_gateway_calls_total"))
	require.True(t, strings.Contains(body, `outcome="rejected"`))
}
