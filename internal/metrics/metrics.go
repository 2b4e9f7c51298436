package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal_billing"

// Confirmation outcomes.
const (
	ConfirmationAccepted  = "accepted"
	ConfirmationRejected  = "rejected"
	ConfirmationDuplicate = "duplicate"
)

type Metrics struct {
	Transitions     *prometheus.CounterVec
	Confirmations   *prometheus.CounterVec
	GatewayCalls    *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec
	Notifications   *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	ActivationFails prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the pipeline collectors on reg. A nil reg uses a private
// registry, which keeps tests independent of the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Accepted order status transitions.",
		}, []string{"from", "to"}),
		Confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmation events by outcome.",
		}, []string{"source", "outcome"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Payment gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_ms",
			Help:      "Payment gateway latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"operation"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		ActivationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_activation_failures_total",
			Help:      "Order lines whose service activation failed and awaits the next pass.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Transitions,
		m.Confirmations,
		m.GatewayCalls,
		m.GatewayLatency,
		m.Notifications,
		m.Requests,
		m.RequestLatency,
		m.ActivationFails,
	)
	return m
}

// Nop returns metrics bound to a throwaway registry.
func Nop() *Metrics {
	return New(nil)
}

func (m *Metrics) ObserveTransition(from, to string) {
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveConfirmation(source, outcome string) {
	m.Confirmations.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ObserveGatewayCall(operation, outcome string, elapsed time.Duration) {
	m.GatewayCalls.WithLabelValues(operation, outcome).Inc()
	m.GatewayLatency.WithLabelValues(operation).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObserveNotification(kind, outcome string) {
	m.Notifications.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestLatency.WithLabelValues(route).Observe(float64(elapsed.Milliseconds()))
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
