package metrics

import (
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Recorder keeps every sample so a run can be summarised with quantiles.
type Recorder struct {
	mu      sync.Mutex
	samples []float64 // seconds
}

func (r *Recorder) Observe(_ int, d time.Duration) {
	r.mu.Lock()
	r.samples = append(r.samples, d.Seconds())
	r.mu.Unlock()
}

// Summary describes a latency distribution.
type Summary struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	Min    time.Duration
	P50    time.Duration
	P99    time.Duration
	Max    time.Duration
}

// Summary computes the distribution of the recorded samples.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	x := slices.Clone(r.samples)
	r.mu.Unlock()

	if len(x) == 0 {
		return Summary{}
	}
	slices.Sort(x)
	mean, std := stat.MeanStdDev(x, nil)
	if len(x) == 1 {
		std = 0
	}
	return Summary{
		Count:  len(x),
		Mean:   seconds(mean),
		StdDev: seconds(std),
		Min:    seconds(x[0]),
		P50:    seconds(stat.Quantile(0.5, stat.Empirical, x, nil)),
		P99:    seconds(stat.Quantile(0.99, stat.Empirical, x, nil)),
		Max:    seconds(x[len(x)-1]),
	}
}
