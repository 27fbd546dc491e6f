// Package metrics exposes Prometheus instrumentation for presenced.
//
// All methods are safe on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service's collectors.
type Metrics struct {
	SubscriptionsActive prometheus.Gauge
	RegistrationsActive prometheus.Gauge
	SubscribeResults    *prometheus.CounterVec
	RefreshResults      *prometheus.CounterVec
	Teardowns           *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	AuthOutcomes        *prometheus.CounterVec
	SubscribeDuration   prometheus.Histogram
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubscriptionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "presenced_subscriptions_active",
			Help: "Number of subscriptions currently held in the store",
		}),
		RegistrationsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "presenced_registrations_active",
			Help: "Number of live registration bindings",
		}),
		SubscribeResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_subscribe_total",
			Help: "Initial SUBSCRIBE attempts by result",
		}, []string{"result"}),
		RefreshResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_refresh_total",
			Help: "In-dialog SUBSCRIBE refreshes by result",
		}, []string{"result"}),
		Teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_subscription_teardowns_total",
			Help: "Subscriptions torn down by reason",
		}, []string{"reason"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_notifications_total",
			Help: "Inbound NOTIFY requests by pipeline outcome",
		}, []string{"outcome"}),
		AuthOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_auth_outcomes_total",
			Help: "Digest authentication attempts by outcome",
		}, []string{"outcome"}),
		SubscribeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "presenced_subscribe_duration_seconds",
			Help:    "Duration of initial SUBSCRIBE transactions",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// SetSubscriptions records the store size.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Set(float64(n))
}

// SetRegistrations records the number of bindings.
func (m *Metrics) SetRegistrations(n int) {
	if m == nil {
		return
	}
	m.RegistrationsActive.Set(float64(n))
}

// ObserveSubscribe records an initial SUBSCRIBE outcome and its duration.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveSubscribe(result string, start time.Time) {
	if m == nil {
		return
	}
	m.SubscribeResults.WithLabelValues(result).Inc()
	m.SubscribeDuration.Observe(time.Since(start).Seconds())
}

// IncRefresh records a refresh outcome.
func (m *Metrics) IncRefresh(result string) {
	if m == nil {
		return
	}
	m.RefreshResults.WithLabelValues(result).Inc()
}

// IncTeardown records a teardown.
func (m *Metrics) IncTeardown(reason string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(reason).Inc()
}

// IncNotification records the outcome of one NOTIFY.
func (m *Metrics) IncNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

// IncAuth records a digest authentication outcome.
func (m *Metrics) IncAuth(outcome string) {
	if m == nil {
		return
	}
	m.AuthOutcomes.WithLabelValues(outcome).Inc()
}
