// Package queue moves opaque payloads between producers and out-of-band
// consumers. Two backends share one contract: Memory for single-instance
// deployments and Redis for anything that must survive a restart.
//
// Delivery is at-least-once. A handler error sends the message back to the
// end of its topic until MaxAttempts is reached, after which it is dropped and
// logged.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/livinlefevreloca/syncrunner/internal/stats"
)

const tracerName = "github.com/livinlefevreloca/syncrunner/internal/queue"

var (
	ErrEmptyTopic  = errors.New("queue: empty topic")
	ErrClosed      = errors.New("queue: closed")
	ErrMaxAttempts = errors.New("queue: max attempts exceeded")
)

// Message is one delivery of an enqueued payload.
type Message struct {
	ID         string
	Topic      string
	Payload    []byte
	Attempt    int // 1 on first delivery
	EnqueuedAt time.Time
}

// Handler processes a message. Returning an error schedules a redelivery.
type Handler func(ctx context.Context, msg Message) error

// Backend is implemented by Memory and Redis.
type Backend interface {
	// Enqueue stores payload on topic. Failures are returned to the caller.
	Enqueue(ctx context.Context, topic string, payload []byte) error

	// Consume hands messages on topic to h until ctx ends or the backend is
	// closed. It returns nil in both cases.
	Consume(ctx context.Context, topic string, h Handler) error

	// Pending reports how many messages on topic are still waiting to be
	// handled.
	Pending(ctx context.Context, topic string) (int64, error)

	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	metrics  *stats.Metrics
	consumer string
	tracer   trace.Tracer
}

// WithMetrics records queue counters on m.
func WithMetrics(m *stats.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithConsumerName sets the Redis consumer name. Defaults to a random name.
func WithConsumerName(name string) Option {
	return func(o *options) { o.consumer = name }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func buildOptions(opts []Option) options {
	o := options{tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns a Redis backend when cfg.RedisURL is set and a Memory backend
// otherwise.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.RedisURL == "" {
		logger.Info("using in-process queue")
		return NewMemory(cfg, logger, opts...), nil
	}

	client, err := dialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis queue", "addr", client.Options().Addr)
	q := NewRedis(client, cfg, logger, opts...)
	q.ownsClient = true
	return q, nil
}

// handle runs h with a span and turns a panic into an error.
func handle(ctx context.Context, tracer trace.Tracer, h Handler, msg Message) (err error) {
	ctx, span := tracer.Start(ctx, "queue.handle",
		trace.WithAttributes(
			attribute.String("queue.topic", msg.Topic),
			attribute.String("queue.message_id", msg.ID),
			attribute.Int("queue.attempt", msg.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	return h(ctx, msg)
}

func startEnqueueSpan(ctx context.Context, tracer trace.Tracer, topic string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "queue.enqueue",
		trace.WithAttributes(attribute.String("queue.topic", topic)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
