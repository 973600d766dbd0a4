// Package metrics provides Prometheus collectors for token acquisition.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ExchangesTotal       *prometheus.CounterVec
	ExchangeDuration     *prometheus.HistogramVec
	CacheHitsTotal       *prometheus.CounterVec
	CoalescedTotal       *prometheus.CounterVec
	BackgroundRefreshes  *prometheus.CounterVec
	PersistFailuresTotal *prometheus.CounterVec
	TokenExpiry          *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcheck_exchanges_total",
				Help: "Total number of provider exchanges by app and result.",
			},
			[]string{"app", "result"},
		),
		ExchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appcheck_exchange_duration_seconds",
				Help:    "Duration of provider exchanges by app.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"app"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcheck_cache_hits_total",
				Help: "Total number of token requests served from the cached token.",
			},
			[]string{"app"},
		),
		CoalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcheck_coalesced_requests_total",
				Help: "Total number of token requests that joined an in-flight exchange.",
			},
			[]string{"app"},
		),
		BackgroundRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcheck_background_refreshes_total",
				Help: "Total number of auto-refresh triggers fired by app.",
			},
			[]string{"app"},
		),
		PersistFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcheck_persist_failures_total",
				Help: "Total number of failures to load or save a persisted token.",
			},
			[]string{"app", "op"},
		),
		TokenExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "appcheck_token_expiry_timestamp_seconds",
				Help: "Locally treated expiry of the current token as a unix timestamp.",
			},
			[]string{"app"},
		),
	}

	collectors := []prometheus.Collector{
		m.ExchangesTotal,
		m.ExchangeDuration,
		m.CacheHitsTotal,
		m.CoalescedTotal,
		m.BackgroundRefreshes,
		m.PersistFailuresTotal,
		m.TokenExpiry,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ObserveExchange records one provider exchange. result is "success" or an
// error kind name.
func (m *Metrics) ObserveExchange(app, result string, seconds float64) {
	if m == nil {
		return
	}
	m.ExchangesTotal.WithLabelValues(app, result).Inc()
	m.ExchangeDuration.WithLabelValues(app).Observe(seconds)
}

// IncCacheHit counts a request answered from the cache.
func (m *Metrics) IncCacheHit(app string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(app).Inc()
}

// IncCoalesced counts a request that shared another request's exchange.
func (m *Metrics) IncCoalesced(app string) {
	if m == nil {
		return
	}
	m.CoalescedTotal.WithLabelValues(app).Inc()
}

// IncBackgroundRefresh counts a fired auto-refresh trigger.
func (m *Metrics) IncBackgroundRefresh(app string) {
	if m == nil {
		return
	}
	m.BackgroundRefreshes.WithLabelValues(app).Inc()
}

// IncPersistFailure counts a failed persistence operation ("load", "save"
// or "delete").
func (m *Metrics) IncPersistFailure(app, op string) {
	if m == nil {
		return
	}
	m.PersistFailuresTotal.WithLabelValues(app, op).Inc()
}

// SetTokenExpiry records the expiry of the current token.
func (m *Metrics) SetTokenExpiry(app string, expireMillis int64) {
	if m == nil {
		return
	}
	m.TokenExpiry.WithLabelValues(app).Set(float64(expireMillis) / 1000)
}
