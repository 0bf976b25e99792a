package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Memory is an in-process queue. Messages wait in a per-topic FIFO until a
// consumer takes them and are lost when the process exits.
type Memory struct {
	config Config
	logger *slog.Logger
	opts   options

	mu     sync.Mutex
	topics map[string]*topicQueue
	closed bool
	done   chan struct{}
}

type topicQueue struct {
	items  []Message
	notify chan struct{}
}

var _ Backend = (*Memory)(nil)

func NewMemory(cfg Config, logger *slog.Logger, opts ...Option) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		config: cfg,
		logger: logger.With("component", "queue", "backend", "memory"),
		opts:   buildOptions(opts),
		topics: make(map[string]*topicQueue),
		done:   make(chan struct{}),
	}
}

// topicLocked returns the queue for topic, creating it. m.mu must be held.
func (m *Memory) topicLocked(topic string) *topicQueue {
	tq, ok := m.topics[topic]
	if !ok {
		tq = &topicQueue{notify: make(chan struct{}, 1)}
		m.topics[topic] = tq
	}
	return tq
}

func (tq *topicQueue) signal() {
	select {
	case tq.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Enqueue(ctx context.Context, topic string, payload []byte) (err error) {
	_, span := startEnqueueSpan(ctx, m.opts.tracer, topic)
	defer func() { endSpan(span, err) }()

	if topic == "" {
		return ErrEmptyTopic
	}

	msg := Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		Attempt:    1,
		EnqueuedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pushLocked(msg)
	m.opts.metrics.QueueEnqueued(topic)
	m.logger.Debug("enqueued message", "topic", topic, "message_id", msg.ID)
	return nil
}

func (m *Memory) pushLocked(msg Message) {
	tq := m.topicLocked(msg.Topic)
	tq.items = append(tq.items, msg)
	tq.signal()
	m.opts.metrics.QueuePending(msg.Topic, int64(len(tq.items)))
}

// pop takes the oldest message on topic.
func (m *Memory) pop(topic string) (Message, <-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tq := m.topicLocked(topic)
	if len(tq.items) == 0 {
		return Message{}, tq.notify, false
	}
	msg := tq.items[0]
	tq.items[0] = Message{}
	tq.items = tq.items[1:]
	m.opts.metrics.QueuePending(topic, int64(len(tq.items)))
	if len(tq.items) > 0 {
		// wake any other consumer on this topic
		tq.signal()
	}
	return msg, tq.notify, true
}

func (m *Memory) Consume(ctx context.Context, topic string, h Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if m.isClosed() {
		return ErrClosed
	}

	limiter := newLimiter(m.config)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		default:
		}

		msg, notify, ok := m.pop(topic)
		if !ok {
			select {
			case <-notify:
				continue
			case <-ctx.Done():
				return nil
			case <-m.done:
				return nil
			}
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				m.requeue(msg)
				return nil
			}
		}

		if err := handle(ctx, m.opts.tracer, h, msg); err != nil {
			m.retry(msg, err)
			continue
		}
		m.opts.metrics.QueueConsumed(topic)
	}
}

// requeue puts an unhandled message back at the head of its topic.
func (m *Memory) requeue(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tq := m.topicLocked(msg.Topic)
	tq.items = append([]Message{msg}, tq.items...)
	tq.signal()
	m.opts.metrics.QueuePending(msg.Topic, int64(len(tq.items)))
}

func (m *Memory) retry(msg Message, err error) {
	m.opts.metrics.QueueFailed(msg.Topic)
	if msg.Attempt >= m.config.MaxAttempts {
		m.opts.metrics.QueueDropped(msg.Topic)
		m.logger.Error("dropping message",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"attempt", msg.Attempt,
			"error", ErrMaxAttempts,
			"last_error", err)
		return
	}

	m.logger.Warn("handler failed, redelivering",
		"topic", msg.Topic,
		"message_id", msg.ID,
		"attempt", msg.Attempt,
		"error", err)
	msg.Attempt++

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pushLocked(msg)
}

// Len returns the number of messages waiting on topic.
func (m *Memory) Len(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tq, ok := m.topics[topic]; ok {
		return len(tq.items)
	}
	return 0
}

// Pending is Len in the shape of Backend. Messages being handled are not
// counted.
func (m *Memory) Pending(_ context.Context, topic string) (int64, error) {
	return int64(m.Len(topic)), nil
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops consumers and rejects further enqueues. Waiting messages are
// discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.ConsumeRate <= 0 {
		return nil
	}
	burst := cfg.ConsumeBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.ConsumeRate), burst)
}
