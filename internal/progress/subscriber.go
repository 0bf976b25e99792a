package progress

import (
	"sync"
)

// Subscriber receives events for the topics it is on.
type Subscriber struct {
	id string
	ch chan Event

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func newSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{
		id:     id,
		ch:     make(chan Event, bufferSize),
		topics: make(map[string]struct{}),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed when the subscriber is removed.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Topics returns the topics the subscriber is on.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// send never blocks. It returns false when the buffer is full or the
// subscriber is closed.
func (s *Subscriber) send(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
