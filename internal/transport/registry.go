package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned by Resolve for a kind nothing was registered under.
var ErrUnknownKind = errors.New("unknown transport kind")

// Launcher starts an isolated worker context bound to an entry point and
// returns the caller's end of it.
type Launcher interface {
	Launch(ctx context.Context, locator string) (Transport, error)
}

// LauncherFunc adapts a plain function to Launcher.
type LauncherFunc func(ctx context.Context, locator string) (Transport, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, locator string) (Transport, error) {
	return f(ctx, locator)
}

// Registry holds launchers keyed by transport kind.
type Registry struct {
	mu        sync.RWMutex
	launchers map[string]Launcher
}

// NewRegistry creates an empty launcher registry.
func NewRegistry() *Registry {
	return &Registry{
		launchers: make(map[string]Launcher),
	}
}

// Register adds a launcher under the given kind, replacing any previous one.
func (r *Registry) Register(kind string, l Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launchers[kind] = l
}

// Resolve returns the launcher registered for kind.
func (r *Registry) Resolve(kind string) (Launcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.launchers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return l, nil
}

// Kinds returns the registered kinds sorted by name for a stable API response.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.launchers))
	for kind := range r.launchers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
