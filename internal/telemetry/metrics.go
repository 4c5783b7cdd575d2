package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the identity gateway.
type Metrics struct {
	UpstreamTotal      *prometheus.CounterVec
	UpstreamDurationMs *prometheus.HistogramVec
	ResponseTotal      *prometheus.CounterVec
	ResponseFlagTotal  *prometheus.CounterVec
	RateLimitedTotal   prometheus.Counter
	BypassTokenTotal   *prometheus.CounterVec
	SessionEventTotal  *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		UpstreamTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealcycle_upstream_request_total",
			Help: "Total number of requests forwarded to downstream services.",
		}, []string{"service", "route", "outcome"}),

		UpstreamDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealcycle_upstream_request_duration_ms",
			Help:    "Downstream call duration in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"service"}),

		ResponseTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealcycle_response_total",
			Help: "Total responses returned to clients, by status class.",
		}, []string{"class"}),

		ResponseFlagTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealcycle_response_flag_total",
			Help: "Responses classified as error, slow or suspicious.",
		}, []string{"flag"}),

		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dealcycle_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter.",
		}),

		BypassTokenTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealcycle_bypass_token_total",
			Help: "Bypass token lookups by result.",
		}, []string{"result"}),

		SessionEventTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealcycle_session_event_total",
			Help: "Session events by type and delivery result.",
		}, []string{"event", "result"}),

		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealcycle_circuit_state",
			Help: "Circuit breaker state per downstream service (0 closed, 1 open, 2 half-open).",
		}, []string{"service"}),
	}
}

// RecordUpstream records a completed downstream call.
func (m *Metrics) RecordUpstream(labels UpstreamLabels) {
	m.UpstreamTotal.WithLabelValues(labels.Service, labels.Route, labels.Outcome).Inc()
	if labels.DurationMs > 0 {
		m.UpstreamDurationMs.WithLabelValues(labels.Service).Observe(labels.DurationMs)
	}
}

// RecordResponse records the status class and classification flags of a client response.
func (m *Metrics) RecordResponse(status int, isError, isSlow, isSuspicious bool) {
	m.ResponseTotal.WithLabelValues(StatusClass(status)).Inc()
	if isError {
		m.ResponseFlagTotal.WithLabelValues("error").Inc()
	}
	if isSlow {
		m.ResponseFlagTotal.WithLabelValues("slow").Inc()
	}
	if isSuspicious {
		m.ResponseFlagTotal.WithLabelValues("suspicious").Inc()
	}
}

func (m *Metrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

func (m *Metrics) RecordBypassToken(result string) {
	m.BypassTokenTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSessionEvent(event, result string) {
	m.SessionEventTotal.WithLabelValues(event, result).Inc()
}

func (m *Metrics) SetCircuitState(service string, state int) {
	m.CircuitState.WithLabelValues(service).Set(float64(state))
}

// UpstreamLabels holds the label values for recording a downstream call.
type UpstreamLabels struct {
	Service    string
	Route      string
	Outcome    string
	DurationMs float64
}

// StatusClass maps 404 to "4xx" and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
