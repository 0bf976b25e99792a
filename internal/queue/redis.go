package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	keyPrefix     = "syncrunner:"
	consumerGroup = "syncrunner"
)

// streamKey returns the stream holding a topic: syncrunner:queue:{topic}
func streamKey(topic string) string { return keyPrefix + "queue:" + topic }

// Redis is a queue backed by Redis Streams. Every topic is one stream read
// through a shared consumer group, so any number of processes can consume it.
// Entries are deleted once handled; entries left pending by a consumer that
// died are claimed after VisibilityTimeout.
type Redis struct {
	client     goredis.UniversalClient
	config     Config
	logger     *slog.Logger
	opts       options
	consumer   string
	ownsClient bool
	closed     atomic.Bool
}

var _ Backend = (*Redis)(nil)

// NewRedis creates a queue on an existing client. The caller keeps ownership
// of the client.
func NewRedis(client goredis.UniversalClient, cfg Config, logger *slog.Logger, opts ...Option) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)
	if o.consumer == "" {
		o.consumer = "consumer-" + uuid.NewString()
	}
	return &Redis{
		client:   client,
		config:   cfg,
		logger:   logger.With("component", "queue", "backend", "redis", "consumer", o.consumer),
		opts:     o,
		consumer: o.consumer,
	}
}

func dialRedis(ctx context.Context, url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	client := goredis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Enqueue(ctx context.Context, topic string, payload []byte) (err error) {
	ctx, span := startEnqueueSpan(ctx, r.opts.tracer, topic)
	defer func() { endSpan(span, err) }()

	if topic == "" {
		return ErrEmptyTopic
	}
	if r.closed.Load() {
		return ErrClosed
	}

	msg := Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := r.client.XAdd(ctx, addArgs(msg)).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	r.opts.metrics.QueueEnqueued(topic)
	r.logger.Debug("enqueued message", "topic", topic, "message_id", msg.ID)
	return nil
}

func addArgs(msg Message) *goredis.XAddArgs {
	return &goredis.XAddArgs{
		Stream: streamKey(msg.Topic),
		Values: map[string]any{
			"id":          msg.ID,
			"payload":     string(msg.Payload),
			"attempt":     strconv.Itoa(msg.Attempt),
			"enqueued_at": msg.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}
}

func (r *Redis) Consume(ctx context.Context, topic string, h Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if r.closed.Load() {
		return ErrClosed
	}

	stream := streamKey(topic)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return err
	}

	limiter := newLimiter(r.config)
	reclaim := time.NewTicker(r.config.VisibilityTimeout)
	defer reclaim.Stop()

	for {
		if ctx.Err() != nil || r.closed.Load() {
			return nil
		}

		select {
		case <-reclaim.C:
			if err := r.reclaim(ctx, topic, h, limiter); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("failed to reclaim stale entries", "topic", topic, "error", err)
			}
		default:
		}

		streams, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(r.config.BatchSize),
			Block:    r.config.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				r.observePending(ctx, topic)
				continue
			}
			if ctx.Err() != nil || r.closed.Load() {
				return nil
			}
			return fmt.Errorf("queue: read %s: %w", topic, err)
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				if !r.process(ctx, topic, h, limiter, entry) {
					return nil
				}
			}
		}
		r.observePending(ctx, topic)
	}
}

func (r *Redis) observePending(ctx context.Context, topic string) {
	n, err := r.Pending(ctx, topic)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Debug("failed to read stream length", "topic", topic, "error", err)
		}
		return
	}
	r.opts.metrics.QueuePending(topic, n)
}

func (r *Redis) ensureGroup(ctx context.Context, stream string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}
	return nil
}

// reclaim takes over entries another consumer left pending for longer than
// the visibility timeout and handles them here.
func (r *Redis) reclaim(ctx context.Context, topic string, h Handler, limiter *rate.Limiter) error {
	start := "0-0"
	for {
		entries, next, err := r.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   streamKey(topic),
			Group:    consumerGroup,
			Consumer: r.consumer,
			MinIdle:  r.config.VisibilityTimeout,
			Start:    start,
			Count:    int64(r.config.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("queue: autoclaim %s: %w", topic, err)
		}

		for _, entry := range entries {
			r.logger.Warn("reclaimed stale entry", "topic", topic, "entry_id", entry.ID)
			if !r.process(ctx, topic, h, limiter, entry) {
				return nil
			}
		}
		if next == "0-0" || len(entries) == 0 {
			return nil
		}
		start = next
	}
}

// process handles one stream entry. It returns false when the consumer should
// stop; the entry then stays pending and will be reclaimed.
func (r *Redis) process(ctx context.Context, topic string, h Handler, limiter *rate.Limiter, entry goredis.XMessage) bool {
	msg, err := decodeEntry(topic, entry)
	if err != nil {
		r.logger.Error("dropping malformed entry", "topic", topic, "entry_id", entry.ID, "error", err)
		r.opts.metrics.QueueDropped(topic)
		r.ack(ctx, topic, entry.ID, nil)
		return true
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
	}

	stop := r.keepAlive(ctx, topic, entry.ID)
	herr := handle(ctx, r.opts.tracer, h, msg)
	stop()
	if herr == nil {
		r.opts.metrics.QueueConsumed(topic)
		r.ack(ctx, topic, entry.ID, nil)
		return true
	}

	r.opts.metrics.QueueFailed(topic)
	if msg.Attempt >= r.config.MaxAttempts {
		r.opts.metrics.QueueDropped(topic)
		r.logger.Error("dropping message",
			"topic", topic,
			"message_id", msg.ID,
			"attempt", msg.Attempt,
			"error", ErrMaxAttempts,
			"last_error", herr)
		r.ack(ctx, topic, entry.ID, nil)
		return true
	}

	r.logger.Warn("handler failed, redelivering",
		"topic", topic,
		"message_id", msg.ID,
		"attempt", msg.Attempt,
		"error", herr)
	msg.Attempt++
	r.ack(ctx, topic, entry.ID, &msg)
	return true
}

// keepAlive re-claims entryID for this consumer every half visibility timeout
// while its handler runs, so XAUTOCLAIM elsewhere never sees it idle. The
// returned func stops the loop and waits for it.
func (r *Redis) keepAlive(ctx context.Context, topic, entryID string) func() {
	interval := r.config.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.client.XClaimJustID(ctx, &goredis.XClaimArgs{
					Stream:   streamKey(topic),
					Group:    consumerGroup,
					Consumer: r.consumer,
					MinIdle:  0,
					Messages: []string{entryID},
				}).Err()
				if err != nil && ctx.Err() == nil {
					r.logger.Warn("failed to extend entry claim",
						"topic", topic,
						"entry_id", entryID,
						"error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// ack removes a handled entry. When retry is set the next attempt is added in
// the same transaction.
func (r *Redis) ack(ctx context.Context, topic, entryID string, retry *Message) {
	stream := streamKey(topic)
	pipe := r.client.TxPipeline()
	if retry != nil {
		pipe.XAdd(ctx, addArgs(*retry))
	}
	pipe.XAck(ctx, stream, consumerGroup, entryID)
	pipe.XDel(ctx, stream, entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("failed to acknowledge entry",
			"topic", topic,
			"entry_id", entryID,
			"error", err)
	}
}

func decodeEntry(topic string, entry goredis.XMessage) (Message, error) {
	field := func(name string) string {
		v, _ := entry.Values[name].(string)
		return v
	}

	id := field("id")
	if id == "" {
		return Message{}, fmt.Errorf("queue: entry %s has no id", entry.ID)
	}
	attempt, err := strconv.Atoi(field("attempt"))
	if err != nil || attempt < 1 {
		attempt = 1
	}
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, field("enqueued_at"))

	return Message{
		ID:         id,
		Topic:      topic,
		Payload:    []byte(field("payload")),
		Attempt:    attempt,
		EnqueuedAt: enqueuedAt,
	}, nil
}

// Pending returns the number of entries on topic that have not been
// acknowledged, including those being handled.
func (r *Redis) Pending(ctx context.Context, topic string) (int64, error) {
	n, err := r.client.XLen(ctx, streamKey(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length %s: %w", topic, err)
	}
	return n, nil
}

// Close stops consumers at their next poll. The client is closed only when it
// was created by New.
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
