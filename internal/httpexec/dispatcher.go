package httpexec

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loadmaster/worker/internal/stats"
	"github.com/loadmaster/worker/internal/tracing"
)

// Dispatcher issues one HTTP request per call, times it, classifies the
// outcome, and records it. A response with any status code counts as a
// success; only transport or protocol failures count as failures. Each
// call records exactly one outcome.
type Dispatcher struct {
	client    *http.Client
	builder   *Builder
	recorder  *stats.Recorder
	tracer    trace.Tracer
	propagate bool
	testID    string
}

// NewDispatcher wires a dispatcher for one run.
func NewDispatcher(client *http.Client, builder *Builder, recorder *stats.Recorder, tracer trace.Tracer, propagate bool, testID string) *Dispatcher {
	return &Dispatcher{
		client:    client,
		builder:   builder,
		recorder:  recorder,
		tracer:    tracer,
		propagate: propagate,
		testID:    testID,
	}
}

// Do executes a single request. Failures are recorded, never returned;
// a request's failure must not abort the run.
func (d *Dispatcher) Do(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartRequestSpan(ctx, d.tracer, d.testID, d.builder.target)
	start := time.Now()

	req, err := d.builder.Build(ctx)
	if err != nil {
		d.recorder.RecordFailure(stats.ErrorLabel(err))
		tracing.EndSpan(span, err)
		return
	}
	if d.propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		d.recorder.RecordFailure(stats.ErrorLabel(err))
		tracing.EndSpan(span, err)
		return
	}

	// Drain so the transport can reuse the connection.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	d.recorder.RecordSuccess(latency.Milliseconds(), resp.StatusCode)
	tracing.EndSpan(span, nil, attribute.Int("http.response.status_code", resp.StatusCode))
}
