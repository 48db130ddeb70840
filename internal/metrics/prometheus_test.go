package metrics_test

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/store-access/internal/metrics"
)

// counterSum adds up every sample of the named counter family
func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss(0.001)
	m.RecordConglomerateCreated("heap", false)
	m.RecordAbort(true)
	m.RecordAdminOperation("backup", fmt.Errorf("denied"))

	assert.Equal(t, 2.0, counterSum(t, reg, "pairdb_cache_hits_total"))
	assert.Equal(t, 1.0, counterSum(t, reg, "pairdb_cache_misses_total"))
	assert.Equal(t, 1.0, counterSum(t, reg, "pairdb_access_conglomerates_created_total"))
	assert.Equal(t, 1.0, counterSum(t, reg, "pairdb_transaction_nested_abort_cascades_total"))
	assert.Equal(t, 1.0, counterSum(t, reg, "pairdb_admin_operations_total"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordCacheHit()
		m.RecordCacheMiss(1)
		m.RecordCommit()
		m.RecordAbort(false)
		m.UpdateCacheEntries(3)
		m.AddOpenControllers(1)
		m.RecordAdminOperation("freeze", nil)
	})
}
