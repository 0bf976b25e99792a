package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Target spawns units of one kind of work.
type Target interface {
	Spawn(ctx context.Context) (Unit, error)
}

// Targets maps names to targets. It is safe for concurrent use.
type Targets struct {
	mu      sync.RWMutex
	targets map[string]Target
}

func NewTargets() *Targets {
	return &Targets{targets: make(map[string]Target)}
}

// Register adds t under name. Names must be unique.
func (t *Targets) Register(name string, target Target) error {
	if name == "" {
		return fmt.Errorf("orchestrator: target name is empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.targets[name]; exists {
		return fmt.Errorf("orchestrator: target %q already registered", name)
	}
	t.targets[name] = target
	return nil
}

func (t *Targets) Lookup(name string) (Target, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.targets[name]
	return target, ok
}

// Names returns the registered names in sorted order.
func (t *Targets) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.targets))
	for name := range t.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
