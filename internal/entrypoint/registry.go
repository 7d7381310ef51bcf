package entrypoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a locator is bound twice.
	ErrAlreadyRegistered = errors.New("entry point already registered")

	// ErrUnknownEntrypoint is returned when no binding exists for a locator.
	ErrUnknownEntrypoint = errors.New("unknown entry point")
)

// Registry holds bindings keyed by locator. A locator names one entry point,
// and each entry point is bound exactly once.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]Binding),
	}
}

// Default is the process-wide registry. Worker children and guest agents
// resolve locators against it.
var Default = NewRegistry()

// Register binds b under locator.
func (r *Registry) Register(locator string, b Binding) error {
	if locator == "" {
		return fmt.Errorf("register entry point: empty locator")
	}
	if b == nil {
		return fmt.Errorf("register entry point %q: nil binding", locator)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bindings[locator]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, locator)
	}
	r.bindings[locator] = b
	return nil
}

// Lookup returns the binding registered under locator.
func (r *Registry) Lookup(locator string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[locator]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntrypoint, locator)
	}
	return b, nil
}

// Locators returns all registered locators, sorted for stable output.
func (r *Registry) Locators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register binds b under locator in the Default registry.
func Register(locator string, b Binding) error {
	return Default.Register(locator, b)
}

// Lookup resolves locator in the Default registry.
func Lookup(locator string) (Binding, error) {
	return Default.Lookup(locator)
}
