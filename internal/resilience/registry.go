package resilience

import (
	"sort"
	"sync"

	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// Registry holds one breaker per dependency name, created on demand. It is
// constructed and injected explicitly; nothing in the platform holds a
// package-level registry.
type Registry struct {
	defaults BreakerConfig
	log      *logger.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	hook     func(name string, state State)
}

// NewRegistry creates a registry applying defaults to breakers it creates.
func NewRegistry(defaults BreakerConfig, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("resilience")
	}
	return &Registry{
		defaults: defaults,
		log:      log,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange installs a transition callback applied to every breaker the
// registry creates from now on. Call before handing the registry out.
func (r *Registry) OnStateChange(fn func(name string, state State)) {
	r.mu.Lock()
	r.hook = fn
	for _, cb := range r.breakers {
		cb.WithStateHook(fn)
	}
	r.mu.Unlock()
}

// Get returns the breaker for name, creating it with the registry defaults
// on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.defaults, r.log)
		if r.hook != nil {
			cb.WithStateHook(r.hook)
		}
		r.breakers[name] = cb
	}
	return cb
}

// Configure installs a breaker with a dependency-specific config, replacing
// any existing breaker for the name.
func (r *Registry) Configure(name string, config BreakerConfig) *CircuitBreaker {
	cb := NewCircuitBreaker(name, config, r.log)
	r.mu.Lock()
	if r.hook != nil {
		cb.WithStateHook(r.hook)
	}
	r.breakers[name] = cb
	r.mu.Unlock()
	return cb
}

// Reset forces the named breaker closed. Returns false if no breaker exists
// for the name.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// Stats returns snapshots for all known breakers, ordered by name.
func (r *Registry) Stats() []BreakerStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	breakers := make([]*CircuitBreaker, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		breakers = append(breakers, r.breakers[name])
	}
	r.mu.Unlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}
