package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveExchange("[DEFAULT]", "success", 0.2)
	m.ObserveExchange("[DEFAULT]", "server_unreachable", 1.5)
	m.IncCacheHit("[DEFAULT]")
	m.IncCoalesced("[DEFAULT]")
	m.IncBackgroundRefresh("[DEFAULT]")
	m.IncPersistFailure("[DEFAULT]", "save")
	m.SetTokenExpiry("[DEFAULT]", 40000)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangesTotal.WithLabelValues("[DEFAULT]", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangesTotal.WithLabelValues("[DEFAULT]", "server_unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("[DEFAULT]")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CoalescedTotal.WithLabelValues("[DEFAULT]")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackgroundRefreshes.WithLabelValues("[DEFAULT]")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailuresTotal.WithLabelValues("[DEFAULT]", "save")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.TokenExpiry.WithLabelValues("[DEFAULT]")))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExchange("a", "success", 1)
		m.IncCacheHit("a")
		m.IncCoalesced("a")
		m.IncBackgroundRefresh("a")
		m.IncPersistFailure("a", "load")
		m.SetTokenExpiry("a", 1)
	})
}
