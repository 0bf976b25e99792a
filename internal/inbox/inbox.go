package inbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("inbox: closed")

// Inbox is an ordered mailbox between a producer and a single consumer.
// Messages are never dropped: Send blocks until there is room, the context
// ends, or the inbox is closed.
// T is the message type that will be sent through the inbox
type Inbox[T any] struct {
	ch          chan T
	slowAfter   time.Duration
	logger      *slog.Logger
	stats       *Stats
	mu          sync.RWMutex
	closed      bool
	done        chan struct{}
	closeSignal sync.Once
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	SlowSendCount int64
	MaxDepthSeen  int64
}

// New creates an inbox with the given buffer size. A send blocked for longer
// than slowAfter is logged once; zero disables the warning.
func New[T any](bufferSize int, slowAfter time.Duration, logger *slog.Logger) *Inbox[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox[T]{
		ch:        make(chan T, bufferSize),
		slowAfter: slowAfter,
		logger:    logger,
		stats:     &Stats{},
		done:      make(chan struct{}),
	}
}

// Send delivers msg in order. It returns ctx.Err() if the context ends first
// and ErrClosed if the inbox is closed.
func (ib *Inbox[T]) Send(ctx context.Context, msg T) error {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	if ib.closed {
		return ErrClosed
	}

	select {
	case ib.ch <- msg:
		ib.recordSend()
		return nil
	default:
	}

	var slow <-chan time.Time
	if ib.slowAfter > 0 {
		timer := time.NewTimer(ib.slowAfter)
		defer timer.Stop()
		slow = timer.C
	}

	for {
		select {
		case ib.ch <- msg:
			ib.recordSend()
			return nil
		case <-slow:
			slow = nil
			atomic.AddInt64(&ib.stats.SlowSendCount, 1)
			ib.logger.Warn("inbox send blocked",
				"waited", ib.slowAfter,
				"current_depth", len(ib.ch))
		case <-ctx.Done():
			return ctx.Err()
		case <-ib.done:
			return ErrClosed
		}
	}
}

func (ib *Inbox[T]) recordSend() {
	atomic.AddInt64(&ib.stats.TotalSent, 1)
	depth := int64(len(ib.ch))
	for {
		seen := atomic.LoadInt64(&ib.stats.MaxDepthSeen)
		if depth <= seen || atomic.CompareAndSwapInt64(&ib.stats.MaxDepthSeen, seen, depth) {
			return
		}
	}
}

// Receive blocks until a message is available. It returns false once the
// inbox is closed and drained, or when ctx ends.
func (ib *Inbox[T]) Receive(ctx context.Context) (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if ok {
			atomic.AddInt64(&ib.stats.TotalReceived, 1)
		}
		return msg, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// GetStats returns a copy of the current inbox statistics. The orchestrator
// records them once a unit's inbox is drained.
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		SlowSendCount: atomic.LoadInt64(&ib.stats.SlowSendCount),
		MaxDepthSeen:  atomic.LoadInt64(&ib.stats.MaxDepthSeen),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close stops further sends. Messages already sent stay readable until the
// consumer drains them. Close is safe to call more than once.
func (ib *Inbox[T]) Close() {
	ib.closeSignal.Do(func() {
		close(ib.done)
		ib.mu.Lock()
		ib.closed = true
		close(ib.ch)
		ib.mu.Unlock()
	})
}
