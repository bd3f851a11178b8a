// Package metrics holds the Prometheus collectors shared by the trust core
// components. All methods are safe to call on a nil *Metrics so components
// can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sigtrust"

type Metrics struct {
	registry prometheus.Registerer

	SignaturesTotal  *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec
	HSMOperations    *prometheus.HistogramVec
	HSMErrors        *prometheus.CounterVec
	CARequests       *prometheus.CounterVec
	TSARequests      *prometheus.HistogramVec
	AuthAttempts     *prometheus.CounterVec
	CertificateState *prometheus.GaugeVec
}

// Creates and registers the trust core collectors with the registerer
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		registry: registry,
		SignaturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signatures_total",
				Help:      "Signatures produced by declared legal class and container format",
			},
			[]string{"class", "format"},
		),
		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signature_failures_total",
				Help:      "Failed signature operations by error kind",
			},
			[]string{"kind"},
		),
		HSMOperations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hsm_operation_duration_seconds",
				Help:      "Duration of HSM gateway operations",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "operation"},
		),
		HSMErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hsm_operation_errors_total",
				Help:      "Failed HSM gateway operations",
			},
			[]string{"provider", "operation"},
		),
		CARequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ca_requests_total",
				Help:      "CA gateway calls by provider, operation and outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		TSARequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tsa_request_duration_seconds",
				Help:      "Duration of timestamp requests by TSA and outcome",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "outcome"},
		),
		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Step-up authentication proof checks by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		CertificateState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "certificates",
				Help:      "Certificates by lifecycle state after the last refresh",
			},
			[]string{"state"},
		),
	}
	if registry != nil {
		registry.MustRegister(
			m.SignaturesTotal,
			m.FailuresTotal,
			m.HSMOperations,
			m.HSMErrors,
			m.CARequests,
			m.TSARequests,
			m.AuthAttempts,
			m.CertificateState,
		)
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) ObserveSignature(class, format string) {
	if m == nil {
		return
	}
	m.SignaturesTotal.WithLabelValues(class, format).Inc()
}

func (m *Metrics) ObserveFailure(kind string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

// Records the latency of an HSM operation started at start
func (m *Metrics) ObserveHSM(provider, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.HSMOperations.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.HSMErrors.WithLabelValues(provider, operation).Inc()
	}
}

func (m *Metrics) ObserveCA(provider, operation string, err error) {
	if m == nil {
		return
	}
	m.CARequests.WithLabelValues(provider, operation, outcome(err)).Inc()
}

func (m *Metrics) ObserveTSA(provider string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.TSARequests.WithLabelValues(provider, outcome(err)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveAuth(method string, ok bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	m.AuthAttempts.WithLabelValues(method, result).Inc()
}

// Replaces the certificate state gauges with the counts
func (m *Metrics) SetCertificateStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.CertificateState.Reset()
	for state, n := range counts {
		m.CertificateState.WithLabelValues(state).Set(float64(n))
	}
}
