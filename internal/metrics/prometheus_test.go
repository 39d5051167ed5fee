package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two nodes in one process must not collide on registration
	a := NewMetrics(prometheus.NewRegistry(), "node-a")
	b := NewMetrics(prometheus.NewRegistry(), "node-b")

	a.RecordWrite("users", "primary", "ok", 0.01)
	a.RecordWrite("users", "primary", "ok", 0.02)
	b.RecordWrite("users", "backup", "ok", 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.WritesTotal.WithLabelValues("users", "primary", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.WritesTotal.WithLabelValues("users", "primary", "ok")))
}

func TestMetrics_Helpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "node-a")

	m.RecordAckWait(0.001, false)
	m.RecordAckWait(0.5, true)
	m.UpdateOpenCollectors(1)
	m.UpdateOpenCollectors(1)
	m.UpdateOpenCollectors(-1)
	m.RecordRead("users", "remote")
	m.RecordRead("users", "local")
	m.UpdateCommittedView("users", 4, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AckTimeoutsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AckCollectorsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteGetsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ViewID.WithLabelValues("users")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ViewMembers.WithLabelValues("users")))
}
