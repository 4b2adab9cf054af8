package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ItemSubmitted()
		m.EventAppended("fill_80")
		m.DeliveryFinished("success", 0.1)
		m.TaskRan("sweep", 0.2)
	})
}

func TestCountersRecord(t *testing.T) {
	m := New()
	m.ItemSubmitted()
	m.ItemSubmitted()
	m.EventAppended("fill_80")
	m.DeliveryFinished("retry", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolEvents.WithLabelValues("fill_80")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("retry")))
}

func TestUnknownEventTypesShareOneLabel(t *testing.T) {
	m := New()
	m.EventAppended("customs_ready")
	m.EventAppended("carrier_note_1")
	m.EventAppended("carrier_note_2")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolEvents.WithLabelValues("customs_ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PoolEvents.WithLabelValues("other")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.PoolEvents))
}
