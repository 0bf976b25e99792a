package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/syncrunner/internal/stats"
)

// TopicAll carries every job's events.
const TopicAll = "jobs"

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 256

// JobTopic returns the topic for a single job.
func JobTopic(jobID string) string { return "job:" + jobID }

// Broker fans events out to subscribers by topic. Publishing never blocks:
// an event for a subscriber with a full buffer is dropped and counted.
type Broker struct {
	logger     *slog.Logger
	metrics    *stats.Metrics
	bufferSize int

	mu          sync.RWMutex
	topics      map[string]map[string]*Subscriber // topic → subscriber id → subscriber
	subscribers map[string]*Subscriber

	totalPublished atomic.Int64
	totalDelivered atomic.Int64
	totalDropped   atomic.Int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithMetrics records dropped events on m.
func WithMetrics(m *stats.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:      logger.With("component", "progress"),
		bufferSize:  DefaultBufferSize,
		topics:      make(map[string]map[string]*Subscriber),
		subscribers: make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for the given jobs. An empty id gets a
// generated one. Subscribing with an id that is already registered adds the
// jobs to that subscriber.
func (b *Broker) Subscribe(subscriberID string, jobIDs ...string) *Subscriber {
	topics := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		topics[i] = JobTopic(id)
	}
	return b.SubscribeTopics(subscriberID, topics...)
}

// SubscribeTopics is Subscribe with raw topic names, such as TopicAll.
func (b *Broker) SubscribeTopics(subscriberID string, topics ...string) *Subscriber {
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subscriberID]
	if !ok {
		sub = newSubscriber(subscriberID, b.bufferSize)
		b.subscribers[subscriberID] = sub
	}
	for _, topic := range topics {
		subs, ok := b.topics[topic]
		if !ok {
			subs = make(map[string]*Subscriber)
			b.topics[topic] = subs
		}
		subs[subscriberID] = sub
		sub.addTopic(topic)
	}
	return sub
}

// Unsubscribe removes a subscriber from the given topics. Empty topics are
// dropped.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		b.unsubscribeLocked(topic, subscriberID)
	}
}

func (b *Broker) unsubscribeLocked(topic, subscriberID string) {
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// RemoveSubscriber takes a subscriber off every topic and closes its channel.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	if ok {
		for _, topic := range sub.Topics() {
			b.unsubscribeLocked(topic, subscriberID)
		}
		delete(b.subscribers, subscriberID)
	}
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers evt to subscribers of the job's topic and of TopicAll.
// A subscriber on both receives it once.
func (b *Broker) Publish(_ context.Context, evt Event) {
	b.mu.RLock()
	targets := make(map[string]*Subscriber)
	for _, topic := range []string{TopicAll, JobTopic(evt.JobID)} {
		for id, sub := range b.topics[topic] {
			targets[id] = sub
		}
	}
	b.mu.RUnlock()

	b.totalPublished.Add(1)
	for _, sub := range targets {
		if sub.send(evt) {
			b.totalDelivered.Add(1)
			continue
		}
		b.totalDropped.Add(1)
		b.metrics.ProgressDropped()
		b.logger.Warn("dropped progress event",
			"job_id", evt.JobID,
			"subscriber_id", sub.ID(),
			"status", evt.Status)
	}
}

// Close removes every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.topics = make(map[string]map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.logger.Debug("progress broker closed", "subscribers", len(subs))
}

// BrokerStats contains broker counters.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDelivered  int64 `json:"total_delivered"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns broker counters.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BrokerStats{
		TopicCount:      len(b.topics),
		SubscriberCount: len(b.subscribers),
		TotalPublished:  b.totalPublished.Load(),
		TotalDelivered:  b.totalDelivered.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}
