// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ledger metrics
	OperationsTotal   *prometheus.CounterVec
	OperationLatency  *prometheus.HistogramVec
	AdvisorsOnboarded prometheus.Counter
	Investments       prometheus.Counter
	TokenMints        prometheus.Counter
	TokensCreated     prometheus.Counter
	LastCommittedSeq  prometheus.Gauge

	// Custody metrics
	RPCCallLatency *prometheus.HistogramVec
	Compensations  *prometheus.CounterVec

	// Event fan-out metrics
	EventsPublished   prometheus.Counter
	SinkPublishErrors *prometheus.CounterVec
	StreamClients     prometheus.Gauge

	// Snapshot metrics
	SnapshotRunsTotal      *prometheus.CounterVec
	SnapshotsWritten       prometheus.Counter
	LastSuccessfulSnapshot prometheus.Gauge

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	UptimeSeconds prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "advisor_ledger"
	}

	return &Metrics{
		// Ledger metrics
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total number of ledger operations by outcome",
		}, []string{"operation", "status"}),
		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_latency_seconds",
			Help:      "Ledger operation latency in seconds, including custody calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		AdvisorsOnboarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "advisors_onboarded_total",
			Help:      "Total number of advisors onboarded",
		}),
		Investments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "investments_total",
			Help:      "Total number of committed investments",
		}),
		TokenMints: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "token_mints_total",
			Help:      "Total number of ownership token mints",
		}),
		TokensCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tokens_created_total",
			Help:      "Total number of tokens created through the factory",
		}),
		LastCommittedSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "last_committed_seq",
			Help:      "Sequence number of the last committed ledger event",
		}),

		// Custody metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "rpc_call_latency_seconds",
			Help:      "Custody gateway call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		Compensations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "compensations_total",
			Help:      "Total number of compensating transfers by leg and outcome",
		}, []string{"leg", "status"}),

		// Event fan-out metrics
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of committed events handed to sinks",
		}),
		SinkPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "sink_errors_total",
			Help:      "Total number of failed sink publishes",
		}, []string{"sink"}),
		StreamClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stream_clients",
			Help:      "Number of connected event stream clients",
		}),

		// Snapshot metrics
		SnapshotRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "runs_total",
			Help:      "Total number of pool snapshot runs by status",
		}, []string{"status"}),
		SnapshotsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "rows_written_total",
			Help:      "Total number of pool snapshot rows written",
		}),
		LastSuccessfulSnapshot: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_successful_timestamp",
			Help:      "Unix timestamp of last successful snapshot run",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordOperation records a ledger operation outcome and latency.
func RecordOperation(operation, status string, seconds float64) {
	DefaultMetrics.OperationsTotal.WithLabelValues(operation, status).Inc()
	DefaultMetrics.OperationLatency.WithLabelValues(operation).Observe(seconds)
}

// RecordOnboarding increments the onboarded advisors counter.
func RecordOnboarding() {
	DefaultMetrics.AdvisorsOnboarded.Inc()
}

// RecordInvestment increments the investments counter, plus the mint counter when shares were minted.
func RecordInvestment(minted bool) {
	DefaultMetrics.Investments.Inc()
	if minted {
		DefaultMetrics.TokenMints.Inc()
	}
}

// RecordMint increments the mint counter.
func RecordMint() {
	DefaultMetrics.TokenMints.Inc()
}

// RecordTokenCreated increments the created tokens counter.
func RecordTokenCreated() {
	DefaultMetrics.TokensCreated.Inc()
}

// UpdateLastSeq updates the last committed sequence gauge.
func UpdateLastSeq(seq int64) {
	DefaultMetrics.LastCommittedSeq.Set(float64(seq))
}

// RecordRPCLatency records custody gateway call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordCompensation records a compensating transfer for leg ("asset" or "native").
func RecordCompensation(leg string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.Compensations.WithLabelValues(leg, status).Inc()
}

// RecordEventsPublished adds n to the published events counter.
func RecordEventsPublished(n int) {
	DefaultMetrics.EventsPublished.Add(float64(n))
}

// RecordSinkError records a failed publish to sink.
func RecordSinkError(sink string) {
	DefaultMetrics.SinkPublishErrors.WithLabelValues(sink).Inc()
}

// SetStreamClients updates the connected stream clients gauge.
func SetStreamClients(n int) {
	DefaultMetrics.StreamClients.Set(float64(n))
}

// RecordSnapshotRun records a snapshot run and the rows it wrote.
func RecordSnapshotRun(status string, rows int, unixSeconds float64) {
	DefaultMetrics.SnapshotRunsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		DefaultMetrics.SnapshotsWritten.Add(float64(rows))
		DefaultMetrics.LastSuccessfulSnapshot.Set(unixSeconds)
	}
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
