// Package stats provides concurrency-safe aggregation of request outcomes
// for a single load-test run.
//
// The central [Recorder] type ingests one outcome per issued request, either
// a success with latency and status code or a failure with an error label,
// and maintains running counters plus a bounded-precision latency histogram.
// [Recorder.Snapshot] returns a point-in-time consistent view suitable for
// building a live metric or the final result.
package stats

import (
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Latencies are tracked from 1ms to 60s with 3 significant figures.
	lowestLatencyMs  = 1
	highestLatencyMs = 60_000
	sigFigs          = 3
)

// Recorder accumulates request outcomes. Safe for concurrent use by many
// request completions plus concurrent snapshot readers; a single mutex
// covers counters, histogram, and distribution maps so no reader observes
// a partially applied outcome.
type Recorder struct {
	mu          sync.Mutex
	hist        *hdrhistogram.Histogram
	total       int64
	successes   int64
	failures    int64
	statusCodes map[int]int64
	errors      map[string]int64
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		hist:        hdrhistogram.New(lowestLatencyMs, highestLatencyMs, sigFigs),
		statusCodes: make(map[int]int64),
		errors:      make(map[string]int64),
	}
}

// RecordSuccess records a completed request that produced an HTTP response,
// regardless of status code value. Latencies outside the trackable range
// are clamped rather than dropped.
func (r *Recorder) RecordSuccess(latencyMs int64, statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.successes++

	if latencyMs < r.hist.LowestTrackableValue() {
		latencyMs = r.hist.LowestTrackableValue()
	}
	if latencyMs > r.hist.HighestTrackableValue() {
		latencyMs = r.hist.HighestTrackableValue()
	}
	_ = r.hist.RecordValue(latencyMs)

	r.statusCodes[statusCode]++
}

// RecordFailure records a request that failed at the transport or protocol
// level. No latency is recorded for failures.
func (r *Recorder) RecordFailure(errorLabel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.failures++
	r.errors[errorLabel]++
}

// Snapshot is a point-in-time consistent view of the recorder state.
type Snapshot struct {
	Total       int64
	Successes   int64
	Failures    int64
	MeanLatency float64
	MinLatency  float64
	MaxLatency  float64
	P50Latency  float64
	P95Latency  float64
	P99Latency  float64
	ErrorRate   float64
	StatusCodes map[int]int64
	Errors      map[string]int64
}

// Snapshot returns a consistent read of all counters and derived
// quantities. Two consecutive snapshots with no intervening writes are
// identical.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Total:       r.total,
		Successes:   r.successes,
		Failures:    r.failures,
		StatusCodes: make(map[int]int64, len(r.statusCodes)),
		Errors:      make(map[string]int64, len(r.errors)),
	}
	for code, count := range r.statusCodes {
		snap.StatusCodes[code] = count
	}
	for label, count := range r.errors {
		snap.Errors[label] = count
	}

	if r.hist.TotalCount() > 0 {
		snap.MeanLatency = r.hist.Mean()
		snap.MinLatency = float64(r.hist.Min())
		snap.MaxLatency = float64(r.hist.Max())
		snap.P50Latency = float64(r.hist.ValueAtQuantile(50))
		snap.P95Latency = float64(r.hist.ValueAtQuantile(95))
		snap.P99Latency = float64(r.hist.ValueAtQuantile(99))
	}

	if r.total > 0 {
		snap.ErrorRate = float64(r.failures) / float64(r.total) * 100
	}

	return snap
}

// PercentileAt returns the latency value at the given percentile rank.
// Querying an empty distribution returns 0.
func (r *Recorder) PercentileAt(p float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hist.TotalCount() == 0 {
		return 0
	}
	return float64(r.hist.ValueAtQuantile(p))
}
