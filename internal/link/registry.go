package link

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider is the minimal interface a registered link provider must satisfy.
// StartScan and StopScan return promptly; scan progress and the end of a
// scan arrive on Events, tagged with the scan's number. The remaining calls
// may block on the radio and honour ctx.
type Provider interface {
	Name() string
	StartScan(ctx context.Context, duration time.Duration) error
	StopScan() error
	Connect(ctx context.Context, id string) error
	ListConnected(ctx context.Context) ([]Peripheral, error)
	DiscoverServices(ctx context.Context, id string) ([]ServiceDescriptor, error)
	Disconnect(ctx context.Context, id string) error
	Write(ctx context.Context, id string, payload []byte) error
	Events() <-chan Event
	Close() error
}

// Factory creates a provider instance.
type Factory func() (Provider, error)

// Registry maps provider names to factory functions.
// It is not safe for concurrent use; registration should happen at startup.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named provider factory. Overwrites if name already exists.
// Panics if name is empty or f is nil (programmer error).
func (r *Registry) Register(name string, f Factory) {
	if name == "" {
		panic("link: Register called with empty name")
	}
	if f == nil {
		panic("link: Register called with nil factory")
	}
	r.factories[name] = f
}

// NewProvider instantiates a provider by name.
// Returns an error if the name is not registered or the factory fails.
func (r *Registry) NewProvider(name string) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, &UnknownProviderError{
			Name:      name,
			Available: r.AvailableProviders(),
		}
	}
	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("link provider %q: %w", name, err)
	}
	return p, nil
}

// AvailableProviders returns registered provider names in sorted order.
func (r *Registry) AvailableProviders() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownProviderError indicates a provider name is not registered.
type UnknownProviderError struct {
	Name      string
	Available []string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown link provider %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}
