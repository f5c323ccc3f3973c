package check

import (
	"fmt"
	"sort"
	"sync"

	"sitepatrol/internal/apperr"
	"sitepatrol/internal/core"
)

// DefaultStrategy is used when a task does not name one.
const DefaultStrategy = "page"

// Registry resolves a task's "strategy" config key to a CheckStrategy.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]core.CheckStrategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]core.CheckStrategy)}
}

// Register adds or replaces a named strategy.
func (r *Registry) Register(name string, s core.CheckStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
}

// Names lists registered strategies.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Strategy(task *core.PatrolTask) (core.CheckStrategy, error) {
	name := DefaultStrategy
	if v, ok := task.Config["strategy"].(string); ok && v != "" {
		name = v
	}
	r.mu.RLock()
	s, ok := r.strategies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unknown check strategy %q", name),
			apperr.WithName("StrategyError"))
	}
	return s, nil
}
