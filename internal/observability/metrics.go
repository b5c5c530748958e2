package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesProcessed tracks completed Extract/Map/Load batches per component.
	BatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "j2o_batches_total",
			Help: "Total number of component batches processed",
		},
		[]string{"component", "phase", "status"},
	)

	// RecordsMigrated tracks created/updated/skipped target entities.
	RecordsMigrated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "j2o_records_total",
			Help: "Total number of target records created, updated, or skipped",
		},
		[]string{"component", "outcome"},
	)

	// ConsoleExecuteDuration tracks L1 evaluator.Execute latency.
	ConsoleExecuteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "j2o_console_execute_duration_seconds",
			Help:    "Duration of Rails console evaluator execute calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		},
		[]string{"component", "status"},
	)

	// ConsoleInFlight reports whether the single console session mutex is held.
	ConsoleInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "j2o_console_in_flight",
			Help: "1 if a console execute call currently holds the session mutex, else 0",
		},
	)

	// JournalRowsWritten tracks journal rows inserted per work package.
	JournalRowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "j2o_journal_rows_total",
			Help: "Total number of journal rows written during work-package content migration",
		},
		[]string{"kind"},
	)

	// TimestampCollisions tracks synthetic monotonic bumps during journal reconstruction.
	TimestampCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "j2o_journal_timestamp_collisions_total",
			Help: "Total number of journal operations whose begin timestamp was bumped to resolve a validity_period collision",
		},
	)

	// RetryAttempts tracks retry attempts for transient failures, by originating operation.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "j2o_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation", "outcome"},
	)

	// CheckpointAdvances tracks checkpoint store writes.
	CheckpointAdvances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "j2o_checkpoint_advances_total",
			Help: "Total number of checkpoint advances",
		},
		[]string{"component"},
	)

	// ProvenanceLookups tracks provenance resolution calls and cache hit rate.
	ProvenanceLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "j2o_provenance_lookups_total",
			Help: "Total number of provenance lookups, by source",
		},
		[]string{"entity_type", "source"}, // source: cache, remote
	)
)

// Metrics is an injectable facade over the package-level collectors, so
// callers depend on a small struct instead of global promauto vars.
type Metrics struct{}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordBatch records a single component batch outcome.
func (m *Metrics) RecordBatch(component, phase, status string) {
	BatchesProcessed.WithLabelValues(component, phase, status).Inc()
}

// RecordRecords records n records migrated for component with the given outcome.
func (m *Metrics) RecordRecords(component, outcome string, n int) {
	RecordsMigrated.WithLabelValues(component, outcome).Add(float64(n))
}

// RecordConsoleExecute records one evaluator.Execute call's latency and outcome.
func (m *Metrics) RecordConsoleExecute(component, status string, seconds float64) {
	ConsoleExecuteDuration.WithLabelValues(component, status).Observe(seconds)
}

// SetConsoleInFlight reports whether the console session mutex is currently held.
func (m *Metrics) SetConsoleInFlight(held bool) {
	if held {
		ConsoleInFlight.Set(1)
		return
	}
	ConsoleInFlight.Set(0)
}

// RecordJournalRows records n journal rows written under the given kind label.
func (m *Metrics) RecordJournalRows(kind string, n int) {
	JournalRowsWritten.WithLabelValues(kind).Add(float64(n))
}

// RecordTimestampCollision records one synthetic monotonic bump.
func (m *Metrics) RecordTimestampCollision() {
	TimestampCollisions.Inc()
}

// RecordRetry records one retry attempt for operation, with its outcome (retried, exhausted, succeeded).
func (m *Metrics) RecordRetry(operation, outcome string) {
	RetryAttempts.WithLabelValues(operation, outcome).Inc()
}

// RecordCheckpointAdvance records one checkpoint store write for component.
func (m *Metrics) RecordCheckpointAdvance(component string) {
	CheckpointAdvances.WithLabelValues(component).Inc()
}

// RecordProvenanceLookup records one provenance lookup for entityType, resolved via source.
func (m *Metrics) RecordProvenanceLookup(entityType, source string) {
	ProvenanceLookups.WithLabelValues(entityType, source).Inc()
}
