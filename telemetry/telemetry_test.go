package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus("nodereg", reg)

	p.StageTransition(StageTransition{From: "pending", To: "processing", InStage: 20 * time.Millisecond})
	p.StageTransition(StageTransition{From: "pending", To: "processing"})
	p.StageTransition(StageTransition{From: "processing", To: "failed"})
	p.CacheEviction(CacheEviction{Key: "@E001", AccessCount: 3})
	p.AddressExhausted("tool")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.StageTransitions.WithLabelValues("pending", "processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.StageTransitions.WithLabelValues("processing", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.CacheEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.AddressExhaustion.WithLabelValues("tool")))

	count, err := testutil.GatherAndCount(reg, "nodereg_pipeline_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one histogram series per source stage")
}

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, b, Nop{}}

	m.CacheEviction(CacheEviction{Key: "#NI1"})
	m.AddressExhausted("eei")

	for _, r := range []*Recorder{a, b} {
		require.Len(t, r.Evictions(), 1)
		assert.Equal(t, "#NI1", r.Evictions()[0].Key)
		assert.Equal(t, []string{"eei"}, r.Exhausted())
	}
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, Nop{}, OrNop(nil))
	r := &Recorder{}
	assert.Same(t, r, OrNop(r))
}

func TestSecondPrometheusSinkReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPrometheus("nodereg", reg)
	var second *Prometheus
	require.NotPanics(t, func() { second = NewPrometheus("nodereg", reg) })

	assert.Same(t, first.StageTransitions, second.StageTransitions)
	second.CacheEviction(CacheEviction{Key: "@E002", AccessCount: 1})
	first.CacheEviction(CacheEviction{Key: "@E003"})
	assert.Equal(t, 2.0, testutil.ToFloat64(first.CacheEvictions))
}
