package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ProviderHandle is the broker's view of one LLM back-end. The broker never
// interprets provider semantics; it only invokes the capability and uses the
// canonical name for telemetry and per-provider semaphore bucketing.
type ProviderHandle interface {
	// Name returns the canonical provider identifier.
	Name() string

	// Invoke performs a provider call on behalf of toolName. Implementations
	// must observe ctx and return promptly on cancellation.
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// Providers maps provider names to capability handles. Populated during
// bootstrap and read-only afterwards.
type Providers struct {
	mu      sync.RWMutex
	handles map[string]ProviderHandle
}

// NewProviders creates an empty provider registry.
func NewProviders() *Providers {
	return &Providers{handles: make(map[string]ProviderHandle)}
}

// Register adds a provider handle under name. Re-registering a name replaces
// the previous handle; bootstrap code is expected to register each name once.
func (p *Providers) Register(name string, handle ProviderHandle) error {
	if name == "" {
		return fmt.Errorf("providers: name must not be empty")
	}
	if handle == nil {
		return fmt.Errorf("providers: handle for %q must not be nil", name)
	}
	p.mu.Lock()
	p.handles[name] = handle
	p.mu.Unlock()
	return nil
}

// Get returns the handle for name. The error is a [*Error] of kind
// UnknownProvider when the name is not registered.
func (p *Providers) Get(name string) (ProviderHandle, error) {
	p.mu.RLock()
	h, ok := p.handles[name]
	p.mu.RUnlock()

	if !ok {
		return nil, Errorf(KindUnknownProvider, "provider %q is not registered", name)
	}
	return h, nil
}

// Names returns the sorted set of registered provider names, used for
// telemetry bucket enumeration.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.handles))
	for name := range p.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (p *Providers) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}
