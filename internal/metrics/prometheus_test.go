package metrics

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("node-1", reg)

	m.RecordOperation("new_record", 0.001, nil)
	m.RecordOperation("new_record", 0.001, fmt.Errorf("boom"))
	m.RecordTransaction("committed", 3)
	m.RecordLogAppend(128, 0.002)
	m.RecordCheckpoint(nil, 0.01)
	m.RecordSkipped("corrupt")
	m.UpdateCollectionStats(10, 3, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.OperationsTotal.WithLabelValues("new_record", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OperationsTotal.WithLabelValues("new_record", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("committed")))
	assert.Equal(t, float64(128), testutil.ToFloat64(m.LogAppendBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CheckpointsTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SkippedEntriesTotal.WithLabelValues("corrupt")))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.RecordsTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ViewsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("a", prometheus.NewRegistry())
		NewMetrics("a", prometheus.NewRegistry())
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("x", 1, nil)
		m.RecordTransaction("aborted", 0)
		m.RecordLogAppend(1, 1)
		m.RecordLogSync(1)
		m.SetLogSize(1)
		m.RecordCheckpoint(nil, 1)
		m.RecordReplayed(1)
		m.RecordSkipped("x")
		m.UpdateCollectionStats(1, 1, 1)
		m.RecordEvaluationError()
		m.RecordChangeFeedPublish(nil)
		m.UpdateSystemStats(1, 1, 1, 1, 1)
	})
}
