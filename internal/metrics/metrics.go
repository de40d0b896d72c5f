// Package metrics collects all-reduce latencies. The reduce path reports to an
// Observer and never logs or prints on its own.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer receives one sample per completed all-reduce.
type Observer interface {
	Observe(elements int, d time.Duration)
}

// Nop discards samples.
type Nop struct{}

func (Nop) Observe(int, time.Duration) {}

// Multi fans a sample out to several observers.
type Multi []Observer

func (m Multi) Observe(elements int, d time.Duration) {
	for _, o := range m {
		o.Observe(elements, d)
	}
}

// Snapshot is a point-in-time view of a Stats.
type Snapshot struct {
	Count  int64
	Total  time.Duration
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration
}

// Stats keeps running latency statistics. When every is positive, report is
// called with a snapshot after each every-th sample.
type Stats struct {
	mu      sync.Mutex
	count   int64
	total   float64 // seconds
	totalSq float64
	min     time.Duration
	max     time.Duration

	every  int64
	report func(Snapshot)
}

// NewStats creates a Stats that reports every n samples. A nil report or
// n <= 0 disables reporting.
func NewStats(n int, report func(Snapshot)) *Stats {
	return &Stats{every: int64(n), report: report}
}

func (s *Stats) Observe(_ int, d time.Duration) {
	s.mu.Lock()
	if s.count == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.count++
	sec := d.Seconds()
	s.total += sec
	s.totalSq += sec * sec

	var snap Snapshot
	fire := s.report != nil && s.every > 0 && s.count%s.every == 0
	if fire {
		snap = s.snapshot()
	}
	s.mu.Unlock()

	if fire {
		s.report(snap)
	}
}

// Snapshot returns the current statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Mean returns the average latency so far.
func (s *Stats) Mean() time.Duration { return s.Snapshot().Mean }

// StdDev returns the population standard deviation of the latency so far.
func (s *Stats) StdDev() time.Duration { return s.Snapshot().StdDev }

func (s *Stats) snapshot() Snapshot {
	snap := Snapshot{Count: s.count, Min: s.min, Max: s.max, Total: seconds(s.total)}
	if s.count == 0 {
		return snap
	}
	n := float64(s.count)
	mean := s.total / n
	variance := s.totalSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	snap.Mean = seconds(mean)
	snap.StdDev = seconds(math.Sqrt(variance))
	return snap
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Prometheus exports samples as a latency histogram and two counters.
type Prometheus struct {
	duration prometheus.Histogram
	calls    prometheus.Counter
	elements prometheus.Counter
}

// NewPrometheus registers the all-reduce collectors with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shmreduce_allreduce_duration_seconds",
			Help:    "Latency of low-latency all-reduce invocations",
			Buckets: prometheus.ExponentialBuckets(1e-6, 2, 20),
		}),
		calls: factory.NewCounter(prometheus.CounterOpts{
			Name: "shmreduce_allreduce_total",
			Help: "Total number of low-latency all-reduce invocations",
		}),
		elements: factory.NewCounter(prometheus.CounterOpts{
			Name: "shmreduce_allreduce_elements_total",
			Help: "Total number of bf16 elements reduced",
		}),
	}
}

func (p *Prometheus) Observe(elements int, d time.Duration) {
	p.duration.Observe(d.Seconds())
	p.calls.Inc()
	p.elements.Add(float64(elements))
}
