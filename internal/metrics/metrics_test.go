package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/appsearch/pkg/model"
)

func TestNoopMetrics(t *testing.T) {
	var m Metrics = &NoopMetrics{}
	assert.NotPanics(t, func() {
		m.ObserveOperation("put", time.Millisecond, nil)
		m.IncMigratedDocuments("Email", 1)
		m.IncMigrationFailures("Email", 1)
		m.IncOptimizeCheck(nil)
		m.IncNotifications("document", 1)
		m.IncPublishFailure("schema")
	})
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.ObserveOperation("put", time.Millisecond, nil)
	p.ObserveOperation("put", time.Millisecond, model.ErrNotFound)
	p.IncMigratedDocuments("Email", 3)
	p.IncMigrationFailures("Email", 1)
	p.IncOptimizeCheck(nil)
	p.IncOptimizeCheck(errors.New("boom"))
	p.IncNotifications("document", 2)
	p.IncPublishFailure("schema")

	assert.Equal(t, float64(1), testutil.ToFloat64(p.operations.WithLabelValues("put", "OK")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.operations.WithLabelValues("put", "NOT_FOUND")))
	assert.Equal(t, float64(3), testutil.ToFloat64(p.migratedDocuments.WithLabelValues("Email")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.migrationFailures.WithLabelValues("Email")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.optimizeChecks.WithLabelValues("error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.notifications.WithLabelValues("document")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.publishFailures.WithLabelValues("schema")))
}

func TestPrometheus_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)
	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}
