package stats_test

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/loadmaster/worker/internal/stats"
)

func TestRecorderCounters(t *testing.T) {
	r := stats.NewRecorder()

	r.RecordSuccess(10, 200)
	r.RecordSuccess(20, 200)
	r.RecordSuccess(30, 404)
	r.RecordFailure("Context deadline exceeded")

	snap := r.Snapshot()

	if snap.Total != 4 {
		t.Errorf("expected total 4, got %d", snap.Total)
	}
	if snap.Successes != 3 {
		t.Errorf("expected successes 3, got %d", snap.Successes)
	}
	if snap.Failures != 1 {
		t.Errorf("expected failures 1, got %d", snap.Failures)
	}
	if snap.Total != snap.Successes+snap.Failures {
		t.Errorf("total %d != successes %d + failures %d", snap.Total, snap.Successes, snap.Failures)
	}
	if snap.StatusCodes[200] != 2 || snap.StatusCodes[404] != 1 {
		t.Errorf("unexpected status distribution: %v", snap.StatusCodes)
	}
	if snap.Errors["Context deadline exceeded"] != 1 {
		t.Errorf("unexpected error distribution: %v", snap.Errors)
	}
}

func TestErrorRate(t *testing.T) {
	r := stats.NewRecorder()

	if rate := r.Snapshot().ErrorRate; rate != 0 {
		t.Fatalf("expected error rate 0 on empty recorder, got %g", rate)
	}

	r.RecordSuccess(5, 200)
	r.RecordSuccess(5, 200)
	r.RecordSuccess(5, 200)
	r.RecordFailure("Network operation error")

	if rate := r.Snapshot().ErrorRate; rate != 25 {
		t.Errorf("expected error rate 25, got %g", rate)
	}
}

func TestPercentileBounds(t *testing.T) {
	r := stats.NewRecorder()

	// 10ms, 20ms, ..., 1000ms.
	for ms := int64(10); ms <= 1000; ms += 10 {
		r.RecordSuccess(ms, 200)
	}

	// Histogram keeps 3 significant figures, so min/max queries must land
	// within 0.1% of the true values.
	if p0 := r.PercentileAt(0); p0 < 9 || p0 > 11 {
		t.Errorf("expected p0 ~10ms, got %g", p0)
	}
	if p100 := r.PercentileAt(100); p100 < 999 || p100 > 1001 {
		t.Errorf("expected p100 ~1000ms, got %g", p100)
	}

	snap := r.Snapshot()
	if snap.MinLatency < 9 || snap.MinLatency > 11 {
		t.Errorf("expected min ~10ms, got %g", snap.MinLatency)
	}
	if snap.MaxLatency < 999 || snap.MaxLatency > 1001 {
		t.Errorf("expected max ~1000ms, got %g", snap.MaxLatency)
	}
	if snap.P50Latency < 490 || snap.P50Latency > 510 {
		t.Errorf("expected p50 ~500ms, got %g", snap.P50Latency)
	}
}

func TestPercentileEmptyDistribution(t *testing.T) {
	r := stats.NewRecorder()
	if p := r.PercentileAt(99); p != 0 {
		t.Errorf("expected 0 on empty distribution, got %g", p)
	}
}

func TestLatencyClamping(t *testing.T) {
	r := stats.NewRecorder()

	// Out-of-range values are clamped, never dropped.
	r.RecordSuccess(0, 200)
	r.RecordSuccess(90_000, 200)

	snap := r.Snapshot()
	if snap.Total != 2 {
		t.Fatalf("expected both outcomes recorded, got %d", snap.Total)
	}
	if snap.MinLatency < 1 {
		t.Errorf("expected clamped min >= 1ms, got %g", snap.MinLatency)
	}
	if snap.MaxLatency > 60_100 {
		t.Errorf("expected clamped max <= 60s, got %g", snap.MaxLatency)
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	r := stats.NewRecorder()

	r.RecordSuccess(15, 200)
	r.RecordSuccess(25, 503)
	r.RecordFailure("Request URL error")

	first := r.Snapshot()
	second := r.Snapshot()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("consecutive snapshots differ:\n%+v\n%+v", first, second)
	}
}

func TestConcurrentRecording(t *testing.T) {
	r := stats.NewRecorder()

	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if i%10 == 0 {
					r.RecordFailure(fmt.Sprintf("error %d", w%3))
				} else {
					r.RecordSuccess(int64(i%100+1), 200)
				}
				// Interleave reads: total must equal successes+failures in
				// every snapshot, never observing a half-applied outcome.
				snap := r.Snapshot()
				if snap.Total != snap.Successes+snap.Failures {
					t.Errorf("inconsistent snapshot: total=%d successes=%d failures=%d",
						snap.Total, snap.Successes, snap.Failures)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	snap := r.Snapshot()
	if snap.Total != workers*perWorker {
		t.Errorf("expected %d outcomes, got %d", workers*perWorker, snap.Total)
	}
}
