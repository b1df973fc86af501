// Package metrics provides Prometheus metrics for the directory server.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for LDAP operations.
//
// All metrics use the ldap_ prefix. Follows the nil receiver pattern -
// all methods handle nil gracefully for zero overhead when metrics are
// disabled.
type Metrics struct {
	// ConnectionsTotal counts accepted client connections
	ConnectionsTotal prometheus.Counter

	// ActiveConnections tracks currently open client connections
	ActiveConnections prometheus.Gauge

	// OperationsTotal counts LDAP operations by type and result code
	OperationsTotal *prometheus.CounterVec

	// OperationDuration tracks operation latency by type
	OperationDuration *prometheus.HistogramVec

	// SearchEntriesReturned tracks entries returned per search
	SearchEntriesReturned prometheus.Histogram
}

// NewMetrics creates and registers LDAP server metrics.
//
// Parameters:
//   - reg: Prometheus registerer. Pass nil to create metrics without
//     registration (useful for testing or when metrics are disabled).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ldap_connections_total",
				Help: "Total accepted LDAP client connections",
			},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ldap_active_connections",
				Help: "Currently open LDAP client connections",
			},
		),

		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldap_operations_total",
				Help: "Total LDAP operations by type and result code",
			},
			[]string{"op", "result_code"},
		),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ldap_operation_duration_seconds",
				Help:    "LDAP operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		SearchEntriesReturned: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ldap_search_entries_returned",
				Help:    "Entries returned per search operation",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionsTotal,
			m.ActiveConnections,
			m.OperationsTotal,
			m.OperationDuration,
			m.SearchEntriesReturned,
		)
	}

	return m
}

// ConnectionOpened records an accepted connection.
//
// Safe to call on nil receiver.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a finished connection.
//
// Safe to call on nil receiver.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordOperation records a completed LDAP operation.
//
// Parameters:
//   - op: Operation name (e.g., "bind", "search")
//   - resultCode: LDAP result code of the response
//   - duration: Operation duration in seconds
//
// Safe to call on nil receiver.
func (m *Metrics) RecordOperation(op string, resultCode int, duration float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, strconv.Itoa(resultCode)).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration)
}

// RecordSearchEntries records the entry count of a completed search.
//
// Safe to call on nil receiver.
func (m *Metrics) RecordSearchEntries(count int) {
	if m == nil {
		return
	}
	m.SearchEntriesReturned.Observe(float64(count))
}

// NullMetrics returns nil, which acts as a no-op metrics collector.
func NullMetrics() *Metrics {
	return nil
}
