package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {

	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSignature("Qualified+", "PAdES")
	m.ObserveSignature("Qualified+", "PAdES")
	m.ObserveFailure("AuthStale")
	m.ObserveHSM("hsm-1", "sign", time.Now(), errors.New("boom"))
	m.ObserveCA("ca-1", "submit", nil)
	m.ObserveAuth("totp", false)
	m.SetCertificateStates(map[string]int{"active": 3, "expiring": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SignaturesTotal.WithLabelValues("Qualified+", "PAdES")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("AuthStale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HSMErrors.WithLabelValues("hsm-1", "sign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CARequests.WithLabelValues("ca-1", "submit", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthAttempts.WithLabelValues("totp", "rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CertificateState.WithLabelValues("active")))

	count, err := testutil.GatherAndCount(registry, "sigtrust_hsm_operation_duration_seconds")
	assert.Nil(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSignature("Basic", "PKCS7")
		m.ObserveHSM("p", "sign", time.Now(), nil)
		m.ObserveTSA("t", time.Now(), nil)
		m.SetCertificateStates(nil)
	})
}
