package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Interception result label values.
const (
	ResultTokenized    = "tokenized"
	ResultPassthrough  = "passthrough"
	ResultRejected     = "rejected"
	ResultFailedOpen   = "failed_open"
	ResultUnrecognized = "forwarded_unrecognized"
)

// Exchange status label values.
const (
	StatusSuccess         = "success"
	StatusBusinessError   = "business_error"
	StatusTransportError  = "transport_error"
	StatusHTTPError       = "http_error"
	StatusInvalidResponse = "invalid_response"
)

// Metrics holds all Prometheus metrics for the tokenization gateway.
type Metrics struct {
	// Interception metrics
	InterceptionsTotal      *prometheus.CounterVec
	ShortCircuitsTotal      *prometheus.CounterVec
	ProtocolViolationsTotal *prometheus.CounterVec

	// Tokenization exchange metrics
	ExchangeRequestsTotal *prometheus.CounterVec
	ExchangeDuration      *prometheus.HistogramVec

	// IAM credential metrics
	CredentialRefreshesTotal *prometheus.CounterVec

	// Tenant extraction metrics
	TenantExtractionsTotal *prometheus.CounterVec

	// Config reload metrics
	ConfigReloadsTotal *prometheus.CounterVec

	// HTTP listener metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        *prometheus.GaugeVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics *Metrics

func init() {
	DefaultMetrics = NewMetrics()
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Interception metrics
		InterceptionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Name:      "interceptions_total",
				Help:      "Total number of requests evaluated against interception rules",
			},
			[]string{"rule", "result"},
		),
		// Labelled by the stable gateway code, not upstream business codes,
		// so the tokenization service cannot explode label cardinality.
		ShortCircuitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Name:      "short_circuits_total",
				Help:      "Total number of requests rejected before reaching the upstream",
			},
			[]string{"rule", "code"},
		),
		ProtocolViolationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Name:      "protocol_violations_total",
				Help:      "Total number of unrecognized tokenization service replies forwarded untokenized",
			},
			[]string{"rule"},
		),

		// Tokenization exchange metrics
		ExchangeRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Subsystem: "exchange",
				Name:      "requests_total",
				Help:      "Total number of tokenization service calls",
			},
			[]string{"rule", "status"},
		),
		ExchangeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tokengate",
				Subsystem: "exchange",
				Name:      "duration_seconds",
				Help:      "Tokenization service call duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"rule"},
		),

		// IAM credential metrics
		CredentialRefreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Subsystem: "iam",
				Name:      "credential_refreshes_total",
				Help:      "Total number of OAuth2 client-credentials fetches",
			},
			[]string{"realm", "result"},
		),

		// Tenant extraction metrics
		TenantExtractionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Subsystem: "tenant",
				Name:      "extractions_total",
				Help:      "Total number of tenant extraction attempts",
			},
			[]string{"location", "result"},
		),

		// Config reload metrics
		ConfigReloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Subsystem: "config",
				Name:      "reloads_total",
				Help:      "Total number of rules reload attempts",
			},
			[]string{"source", "result"},
		),

		// HTTP listener metrics. Labelled by listener rather than path so
		// arbitrary proxied URLs cannot explode label cardinality.
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"listener", "method", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tokengate",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"listener", "method"},
		),
		HTTPInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tokengate",
				Subsystem: "http",
				Name:      "in_flight_requests",
				Help:      "Number of HTTP requests currently being served",
			},
			[]string{"listener"},
		),
	}
}

// RecordInterception records the disposition of an evaluated request.
func (m *Metrics) RecordInterception(rule, result string) {
	m.InterceptionsTotal.WithLabelValues(rule, result).Inc()
}

// RecordShortCircuit records a request rejected with the given gateway code.
func (m *Metrics) RecordShortCircuit(rule, code string) {
	m.ShortCircuitsTotal.WithLabelValues(rule, code).Inc()
}

// RecordProtocolViolation records an unrecognized tokenization reply.
func (m *Metrics) RecordProtocolViolation(rule string) {
	m.ProtocolViolationsTotal.WithLabelValues(rule).Inc()
}

// RecordExchange records a tokenization service call.
func (m *Metrics) RecordExchange(rule, status string, duration time.Duration) {
	m.ExchangeRequestsTotal.WithLabelValues(rule, status).Inc()
	m.ExchangeDuration.WithLabelValues(rule).Observe(duration.Seconds())
}

// RecordCredentialRefresh records an OAuth2 token fetch result.
func (m *Metrics) RecordCredentialRefresh(realm string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.CredentialRefreshesTotal.WithLabelValues(realm, result).Inc()
}

// RecordTenantExtraction records a tenant extraction attempt.
func (m *Metrics) RecordTenantExtraction(location string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.TenantExtractionsTotal.WithLabelValues(location, result).Inc()
}

// RecordConfigReload records a rules reload attempt.
func (m *Metrics) RecordConfigReload(source string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.ConfigReloadsTotal.WithLabelValues(source, result).Inc()
}

// RecordHTTPRequest records a completed request on the named listener.
func (m *Metrics) RecordHTTPRequest(listener, method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(listener, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(listener, method).Observe(duration.Seconds())
}

// HTTPRequestStarted marks a request as in flight on the named listener.
func (m *Metrics) HTTPRequestStarted(listener string) {
	m.HTTPInFlight.WithLabelValues(listener).Inc()
}

// HTTPRequestFinished marks an in-flight request as done.
func (m *Metrics) HTTPRequestFinished(listener string) {
	m.HTTPInFlight.WithLabelValues(listener).Dec()
}
