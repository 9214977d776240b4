// Package metrics defines the telemetry reported by sessions and the
// migration helper.
package metrics

import (
	"time"
)

// Metrics defines the interface for session telemetry.
type Metrics interface {
	// Session operations
	ObserveOperation(operation string, duration time.Duration, err error)

	// Migration
	IncMigratedDocuments(schemaType string, count int)
	IncMigrationFailures(schemaType string, count int)

	// Maintenance
	IncOptimizeCheck(err error)

	// Observers
	IncNotifications(kind string, count int)
	IncPublishFailure(kind string)
}

// NoopMetrics is a no-op implementation of Metrics.
type NoopMetrics struct{}

func (m *NoopMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	_ = operation
}

func (m *NoopMetrics) IncMigratedDocuments(schemaType string, count int) {
	_ = schemaType
}
func (m *NoopMetrics) IncMigrationFailures(schemaType string, count int) {
	_ = schemaType
}

func (m *NoopMetrics) IncOptimizeCheck(err error) {
	_ = err
}

func (m *NoopMetrics) IncNotifications(kind string, count int) {
	_ = kind
}
func (m *NoopMetrics) IncPublishFailure(kind string) {
	_ = kind
}
