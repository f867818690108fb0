package synckit

import "time"

// MetricsCollector provides hooks for collecting replication metrics
type MetricsCollector interface {
	// RecordRoundDuration records how long one push or pull round took
	RecordRoundDuration(dir Direction, duration time.Duration)

	// RecordDocuments records the number of documents a round moved
	RecordDocuments(dir Direction, count int)

	// RecordErrors records round errors by kind
	RecordErrors(dir Direction, kind string)

	// RecordConflicts records the number of conflicts a round resolved
	RecordConflicts(dir Direction, count int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordRoundDuration(dir Direction, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordDocuments(dir Direction, count int)                  {}
func (n *NoOpMetricsCollector) RecordErrors(dir Direction, kind string)                   {}
func (n *NoOpMetricsCollector) RecordConflicts(dir Direction, count int)                  {}
