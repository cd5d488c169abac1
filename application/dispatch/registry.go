package dispatch

import (
	"sort"
	"sync"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
	"github.com/sirupsen/logrus"
)

// Registry maps provider ids to adapters. Registration normally happens once
// at startup, but re-registration is safe at runtime: running tasks capture
// the adapter value at admission, so a swap never affects in-flight work.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]llm.ProviderPort
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]llm.ProviderPort)}
}

// Register adds or replaces the adapter under its own name. Last write wins.
func (r *Registry) Register(p llm.ProviderPort) {
	r.mu.Lock()
	_, replaced := r.providers[p.Name()]
	r.providers[p.Name()] = p
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"provider": p.Name(),
		"replaced": replaced,
	}).Info("Provider registered")
}

// Unregister removes the adapter with the given id if present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.providers, id)
	r.mu.Unlock()
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (llm.ProviderPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// States reports per-provider availability. Adapters that implement
// llm.HealthReporter (the circuit breaker wrapper does) contribute their own
// state; everything else is assumed reachable.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]string, len(r.providers))
	for name, p := range r.providers {
		if reporter, ok := p.(llm.HealthReporter); ok {
			states[name] = reporter.HealthState()
		} else {
			states[name] = "available"
		}
	}
	return states
}

// Names returns the registered provider ids in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
