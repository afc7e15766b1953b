// Package engine coordinates one load-test run: the concurrency-bounded
// dispatch loop, pacing, live sampling, drain, and the final report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadmaster/worker/internal/message"
	"github.com/loadmaster/worker/internal/pacer"
	"github.com/loadmaster/worker/internal/pool"
	"github.com/loadmaster/worker/internal/stats"
)

// Requester executes a single load request and records its outcome. A
// failed request is recorded, never surfaced; dispatch units are
// independent and communicate only through the shared recorder.
type Requester interface {
	Do(ctx context.Context)
}

// MetricPublisher delivers live metric samples. Best-effort: errors are
// logged and swallowed.
type MetricPublisher interface {
	PublishMetric(ctx context.Context, metric *message.Metric) error
}

// ResultPublisher delivers the final test result. Failure here is a
// run-level error since the result is the run's only durable output.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result *message.TestResult) error
}

// State tracks the executor lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Options configure an Executor.
type Options struct {
	Spec      *message.TestSpec
	Recorder  *stats.Recorder
	Requester Requester
	Metrics   MetricPublisher // optional
	Results   ResultPublisher // required

	PacingMode     pacer.Mode
	SampleInterval time.Duration
	Logger         *logrus.Entry

	Sleep func(ctx context.Context, d time.Duration) error // optional injection for tests
}

// Executor runs exactly one test and is not reused afterwards.
type Executor struct {
	opt     Options
	ctrl    *pacer.Controller
	permits *pool.Permits
	state   atomic.Int32

	// series is appended only by the sampler goroutine and read after it
	// has been joined, so points stay strictly ordered by capture time.
	series []message.TimeSeriesPoint
}

// New validates the options and constructs an idle executor. No run state
// exists if New fails.
func New(opt Options) (*Executor, error) {
	if opt.Spec == nil {
		return nil, errors.New("engine: spec is required")
	}
	if err := opt.Spec.Validate(); err != nil {
		return nil, err
	}
	if opt.Recorder == nil {
		return nil, errors.New("engine: recorder is required")
	}
	if opt.Requester == nil {
		return nil, errors.New("engine: requester is required")
	}
	if opt.Results == nil {
		return nil, errors.New("engine: result publisher is required")
	}
	if opt.SampleInterval <= 0 {
		opt.SampleInterval = time.Second
	}
	if opt.Logger == nil {
		opt.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	opt.Logger = opt.Logger.WithField("testId", opt.Spec.TestID)

	ctrl := pacer.New(pacer.Options{
		Rate:     opt.Spec.RequestsPerSecond,
		Duration: time.Duration(opt.Spec.DurationSeconds) * time.Second,
		Mode:     opt.PacingMode,
		Sleep:    opt.Sleep,
	})

	return &Executor{
		opt:     opt,
		ctrl:    ctrl,
		permits: pool.NewPermits(opt.Spec.ConcurrentUsers),
	}, nil
}

// State returns the executor's current lifecycle state.
func (e *Executor) State() State {
	return State(e.state.Load())
}

func (e *Executor) setState(s State) {
	e.state.Store(int32(s))
}

// Run drives the full dispatch loop and returns the final result. The
// returned error is non-nil only when the final result could not be
// published; individual request failures are visible in aggregate only.
func (e *Executor) Run(ctx context.Context) (*message.TestResult, error) {
	spec := e.opt.Spec
	log := e.opt.Logger
	start := time.Now()

	e.setState(StateRunning)
	log.WithFields(logrus.Fields{
		"target":      spec.TargetURL,
		"total":       spec.TotalRequests,
		"rate":        spec.RequestsPerSecond,
		"concurrency": spec.ConcurrentUsers,
	}).Info("load test started")

	samplerCtx, stopSampler := context.WithCancel(ctx)
	samplerDone := make(chan struct{})
	go e.sample(samplerCtx, start, samplerDone)

	// In-flight requests outlive loop cancellation: the only cancellation
	// signal is "stop admitting", so dispatch goroutines get a detached
	// context and are bounded by the client's own timeout.
	requestCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	issued := 0

	for i := 0; i < spec.TotalRequests; i++ {
		if e.ctrl.Expired(time.Since(start)) {
			log.WithField("issued", issued).Info("duration limit reached, stopping admission")
			break
		}

		if err := e.permits.Acquire(ctx); err != nil {
			log.WithField("issued", issued).Info("run cancelled, stopping admission")
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.permits.Release()
			e.opt.Requester.Do(requestCtx)
		}()
		issued++

		if err := e.ctrl.Pace(ctx, issued); err != nil {
			log.WithField("issued", issued).Info("run cancelled during pacing")
			break
		}
	}

	e.setState(StateDraining)
	wg.Wait()
	stopSampler()
	<-samplerDone

	duration := time.Since(start)
	e.setState(StateCompleted)

	result := e.buildResult(duration)
	log.WithFields(logrus.Fields{
		"total":    result.TotalRequests,
		"failed":   result.FailedRequests,
		"duration": duration.Round(time.Millisecond).String(),
	}).Info("load test completed")

	// Result delivery should survive worker shutdown signals.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.opt.Results.PublishResult(publishCtx, result); err != nil {
		return result, fmt.Errorf("publish result: %w", err)
	}
	return result, nil
}

// sample appends one time-series point per tick and publishes a live
// metric. Publish failures never interrupt sampling.
func (e *Executor) sample(ctx context.Context, start time.Time, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.opt.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			snap := e.opt.Recorder.Snapshot()

			rps := 0.0
			if elapsed := tick.Sub(start).Seconds(); elapsed > 0 {
				rps = float64(snap.Total) / elapsed
			}

			e.series = append(e.series, message.TimeSeriesPoint{
				Timestamp:       tick.Unix(),
				RPS:             rps,
				AvgResponseTime: snap.MeanLatency,
				ErrorRate:       snap.ErrorRate,
			})

			if e.opt.Metrics == nil {
				continue
			}
			metric := &message.Metric{
				TestID:          e.opt.Spec.TestID,
				Timestamp:       tick.UTC().Format(time.RFC3339),
				RequestCount:    snap.Total,
				SuccessCount:    snap.Successes,
				ErrorCount:      snap.Failures,
				AvgResponseTime: snap.MeanLatency,
				ActiveUsers:     e.opt.Spec.ConcurrentUsers,
			}
			if err := e.opt.Metrics.PublishMetric(ctx, metric); err != nil {
				e.opt.Logger.WithError(err).Debug("live metric publish failed")
			}
		}
	}
}

func (e *Executor) buildResult(duration time.Duration) *message.TestResult {
	snap := e.opt.Recorder.Snapshot()

	rps := 0.0
	if secs := duration.Seconds(); secs > 0 {
		rps = float64(snap.Total) / secs
	}

	return &message.TestResult{
		TestID:                 e.opt.Spec.TestID,
		TotalRequests:          snap.Total,
		SuccessfulRequests:     snap.Successes,
		FailedRequests:         snap.Failures,
		AverageResponseTime:    snap.MeanLatency,
		MinResponseTime:        snap.MinLatency,
		MaxResponseTime:        snap.MaxLatency,
		P50ResponseTime:        snap.P50Latency,
		P95ResponseTime:        snap.P95Latency,
		P99ResponseTime:        snap.P99Latency,
		RequestsPerSecond:      rps,
		ErrorRate:              snap.ErrorRate,
		StatusCodeDistribution: snap.StatusCodes,
		ErrorDistribution:      snap.Errors,
		TimeSeriesData:         e.series,
	}
}
