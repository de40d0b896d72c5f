package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_Running(t *testing.T) {
	s := NewStats(0, nil)
	assert.Equal(t, Snapshot{}, s.Snapshot())

	s.Observe(16, 1*time.Millisecond)
	s.Observe(16, 3*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.Count)
	assert.Equal(t, 1*time.Millisecond, snap.Min)
	assert.Equal(t, 3*time.Millisecond, snap.Max)
	assert.InDelta(t, float64(4*time.Millisecond), float64(snap.Total), 10)
	assert.InDelta(t, float64(2*time.Millisecond), float64(s.Mean()), 10)
	assert.InDelta(t, float64(1*time.Millisecond), float64(s.StdDev()), 1000)
}

func TestStats_Report(t *testing.T) {
	var reports []Snapshot
	s := NewStats(3, func(snap Snapshot) { reports = append(reports, snap) })

	for i := 1; i <= 7; i++ {
		s.Observe(1, time.Duration(i)*time.Microsecond)
	}

	require.Len(t, reports, 2)
	assert.Equal(t, int64(3), reports[0].Count)
	assert.Equal(t, int64(6), reports[1].Count)
	assert.Equal(t, 6*time.Microsecond, reports[1].Max)
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.Observe(100, time.Millisecond)
	p.Observe(28, 2*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.calls))
	assert.Equal(t, 128.0, testutil.ToFloat64(p.elements))
	assert.Equal(t, 1, testutil.CollectAndCount(p.duration))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 3)
}

func TestMulti(t *testing.T) {
	a, b := NewStats(0, nil), &Recorder{}
	var o Observer = Multi{a, b, Nop{}}

	o.Observe(8, time.Millisecond)

	assert.Equal(t, int64(1), a.Snapshot().Count)
	assert.Equal(t, 1, b.Summary().Count)
}

func TestRecorder_Summary(t *testing.T) {
	r := &Recorder{}
	assert.Equal(t, Summary{}, r.Summary())

	// Insert out of order; the summary sorts.
	for i := 100; i >= 1; i-- {
		r.Observe(1, time.Duration(i)*time.Millisecond)
	}
	sum := r.Summary()

	ms := float64(time.Millisecond)
	assert.Equal(t, 100, sum.Count)
	assert.InDelta(t, 1*ms, float64(sum.Min), 1e3)
	assert.InDelta(t, 100*ms, float64(sum.Max), 1e3)
	assert.InDelta(t, 50.5*ms, float64(sum.Mean), 1e3)
	assert.InDelta(t, 50*ms, float64(sum.P50), 1e3)
	assert.InDelta(t, 99*ms, float64(sum.P99), 1e3)
	assert.Greater(t, sum.StdDev, time.Duration(0))
}

func TestRecorder_SingleSample(t *testing.T) {
	r := &Recorder{}
	r.Observe(1, time.Second)
	sum := r.Summary()
	assert.Equal(t, time.Duration(0), sum.StdDev)
	assert.InDelta(t, float64(time.Second), float64(sum.P99), 1e3)
}
