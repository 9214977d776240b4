package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/syntrixbase/appsearch/pkg/model"
)

// Prometheus reports metrics to a Prometheus registerer.
type Prometheus struct {
	operations        *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	migratedDocuments *prometheus.CounterVec
	migrationFailures *prometheus.CounterVec
	optimizeChecks    *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
}

var _ Metrics = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		// Session operations
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appsearch_operations_total",
			Help: "The total number of session operations by result code",
		}, []string{"operation", "code"}),

		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "appsearch_operation_latency_seconds",
			Help: "The latency of session operations",
		}, []string{"operation"}),

		// Migration
		migratedDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appsearch_migrated_documents_total",
			Help: "The total number of documents transformed by migrators",
		}, []string{"schema_type"}),

		migrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appsearch_migration_failures_total",
			Help: "The total number of documents that failed to migrate",
		}, []string{"schema_type"}),

		// Maintenance
		optimizeChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appsearch_optimize_checks_total",
			Help: "The total number of optimize checks by outcome",
		}, []string{"outcome"}),

		// Observers
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appsearch_observer_notifications_total",
			Help: "The total number of change notifications delivered",
		}, []string{"kind"}),

		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appsearch_change_publish_failures_total",
			Help: "The total number of change feed publish errors",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		p.operations,
		p.operationLatency,
		p.migratedDocuments,
		p.migrationFailures,
		p.optimizeChecks,
		p.notifications,
		p.publishFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveOperation(operation string, duration time.Duration, err error) {
	p.operations.WithLabelValues(operation, model.CodeOf(err).String()).Inc()
	p.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *Prometheus) IncMigratedDocuments(schemaType string, count int) {
	p.migratedDocuments.WithLabelValues(schemaType).Add(float64(count))
}

func (p *Prometheus) IncMigrationFailures(schemaType string, count int) {
	p.migrationFailures.WithLabelValues(schemaType).Add(float64(count))
}

func (p *Prometheus) IncOptimizeCheck(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.optimizeChecks.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) IncNotifications(kind string, count int) {
	p.notifications.WithLabelValues(kind).Add(float64(count))
}

func (p *Prometheus) IncPublishFailure(kind string) {
	p.publishFailures.WithLabelValues(kind).Inc()
}
