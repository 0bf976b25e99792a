package orchestrator

import "sync"

// State is the interface that all execution states must implement
type State interface {
	Name() string
}

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	mu   sync.Mutex
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.path...)
}
