// Command worker runs the loadmaster load-test worker: it consumes test
// specifications from a RabbitMQ queue, executes them, and publishes live
// metrics and final results back onto the broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/loadmaster/worker/internal/broker"
	"github.com/loadmaster/worker/internal/config"
	"github.com/loadmaster/worker/internal/engine"
	"github.com/loadmaster/worker/internal/httpexec"
	"github.com/loadmaster/worker/internal/message"
	"github.com/loadmaster/worker/internal/pacer"
	"github.com/loadmaster/worker/internal/stats"
	"github.com/loadmaster/worker/internal/tracing"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load()

	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	log := logger.WithField("component", "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	b, err := broker.Connect(cfg, logger.WithField("component", "broker"))
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.WithError(err).Warn("broker close failed")
		}
	}()

	log.WithField("amqp", cfg.AMQPURL).Info("worker started")

	w := &worker{
		cfg:     cfg,
		client:  httpexec.NewClient(cfg.RequestTimeout),
		broker:  b,
		tracing: provider,
		log:     log,
	}

	tag := "loadmaster-worker-" + ulid.Make().String()
	if err := b.Consume(ctx, tag, w.accept); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("worker shutting down")
			return nil
		}
		return err
	}
	return nil
}

type worker struct {
	cfg     *config.Config
	client  *http.Client
	broker  *broker.Broker
	tracing *tracing.Provider
	log     *logrus.Entry
}

// accept constructs an executor for the spec and starts the run in the
// background. A non-nil return rejects the spec before any run state is
// created.
func (w *worker) accept(ctx context.Context, spec *message.TestSpec) error {
	if spec.TestID == "" {
		spec.TestID = ulid.Make().String()
	}

	builder, err := httpexec.NewBuilder(spec)
	if err != nil {
		return err
	}

	recorder := stats.NewRecorder()
	dispatcher := httpexec.NewDispatcher(
		w.client,
		builder,
		recorder,
		w.tracing.Tracer(),
		w.tracing.ShouldPropagate(),
		spec.TestID,
	)

	exec, err := engine.New(engine.Options{
		Spec:           spec,
		Recorder:       recorder,
		Requester:      dispatcher,
		Metrics:        w.broker,
		Results:        w.broker,
		PacingMode:     pacer.Mode(w.cfg.PacingMode),
		SampleInterval: w.cfg.SampleInterval,
		Logger:         w.log,
	})
	if err != nil {
		return err
	}

	go func() {
		if _, err := exec.Run(ctx); err != nil {
			w.log.WithError(err).WithField("testId", spec.TestID).Error("load test failed")
		}
	}()
	return nil
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
