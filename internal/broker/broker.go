// Package broker owns the RabbitMQ connection: it consumes test
// specifications from the intake queue and publishes live metrics and
// final results onto the delivery queues.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/loadmaster/worker/internal/config"
	"github.com/loadmaster/worker/internal/message"
)

// Broker wraps one AMQP connection and channel. Publishing is serialized
// because concurrent runs share the channel.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  *config.Config
	log  *logrus.Entry

	pubMu sync.Mutex
}

// Connect dials the broker, opens a channel, and declares the durable
// queue topology.
func Connect(cfg *config.Config, log *logrus.Entry) (*Broker, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("amqp qos: %w", err)
		}
	}

	for _, queue := range []string{cfg.TestsQueue, cfg.ResultsQueue, cfg.MetricsQueue} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}

	return &Broker{conn: conn, ch: ch, cfg: cfg, log: log}, nil
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil {
		_ = b.conn.Close()
		return err
	}
	return b.conn.Close()
}

// PublishMetric sends a live metric sample. Callers treat failures as
// best-effort.
func (b *Broker) PublishMetric(ctx context.Context, metric *message.Metric) error {
	return b.publishJSON(ctx, b.cfg.MetricsQueue, metric)
}

// PublishResult sends the final test result.
func (b *Broker) PublishResult(ctx context.Context, result *message.TestResult) error {
	return b.publishJSON(ctx, b.cfg.ResultsQueue, result)
}

func (b *Broker) publishJSON(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Handler accepts a validated test specification. It must return an error
// only when run construction fails; a nil return means the run has been
// accepted and the delivery can be acknowledged.
type Handler func(ctx context.Context, spec *message.TestSpec) error

// Consume reads test specifications until the context is cancelled.
// Malformed payloads are rejected without requeue before any run state
// exists.
func (b *Broker) Consume(ctx context.Context, consumerTag string, handle Handler) error {
	deliveries, err := b.ch.Consume(b.cfg.TestsQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	b.log.WithField("queue", b.cfg.TestsQueue).Info("waiting for load test messages")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("consumer channel closed")
			}
			b.handleDelivery(ctx, delivery, handle)
		}
	}
}

func (b *Broker) handleDelivery(ctx context.Context, delivery amqp.Delivery, handle Handler) {
	// The testId is peeked out of the raw payload so rejections still
	// correlate with the test that sent them.
	log := b.log.WithField("testId", gjson.GetBytes(delivery.Body, "testId").String())

	spec, err := message.DecodeTestSpec(delivery.Body)
	if err != nil {
		log.WithError(err).Error("rejecting malformed test spec")
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			log.WithError(nackErr).Error("nack failed")
		}
		return
	}

	if err := handle(ctx, spec); err != nil {
		log.WithError(err).Error("rejecting test spec, run construction failed")
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			log.WithError(nackErr).Error("nack failed")
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("ack failed")
	}
}
