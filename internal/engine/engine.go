package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/store"
	"github.com/seantiz/offload/internal/transport"
	"github.com/seantiz/offload/internal/worker"
)

// ErrNotLive is returned when a handle exists in the journal but is no longer
// running in this process.
var ErrNotLive = errors.New("handle is not live")

// Manager owns the live handles created through the API.
type Manager struct {
	store       store.Store
	launchers   *transport.Registry
	entrypoints *entrypoint.Registry
	defaultKind string
	opts        []worker.Option
	logger      *slog.Logger
	broker      *EventBroker
	journal     *journal

	mu      sync.RWMutex
	handles map[string]*worker.RawHandle
	wg      sync.WaitGroup
}

// NewManager creates a handle manager. defaultKind is used when Spawn is
// called without a transport kind; opts apply to every handle.
func NewManager(s store.Store, launchers *transport.Registry, entrypoints *entrypoint.Registry, defaultKind string, logger *slog.Logger, opts ...worker.Option) *Manager {
	if entrypoints == nil {
		entrypoints = entrypoint.Default
	}
	broker := NewEventBroker()
	return &Manager{
		store:       s,
		launchers:   launchers,
		entrypoints: entrypoints,
		defaultKind: defaultKind,
		opts:        opts,
		logger:      logger,
		broker:      broker,
		journal:     newJournal(s, broker),
		handles:     make(map[string]*worker.RawHandle),
	}
}

// Broker returns the manager's event broker for SSE subscription.
func (m *Manager) Broker() *EventBroker {
	return m.broker
}

// Entrypoints lists the locators this process can host itself.
func (m *Manager) Entrypoints() []string {
	return m.entrypoints.Locators()
}

// Transports lists the registered transport kinds.
func (m *Manager) Transports() []string {
	return m.launchers.Kinds()
}

// Spawn launches a new isolated context for locator over the given transport
// kind and returns its journal record.
func (m *Manager) Spawn(ctx context.Context, locator, kind string) (*model.HandleRecord, error) {
	if kind == "" {
		kind = m.defaultKind
	}
	launcher, err := m.launchers.Resolve(kind)
	if err != nil {
		return nil, err
	}

	// Local transports can only serve locators registered in this binary.
	// Guest agents validate their own.
	if kind == model.TransportInProcess || kind == model.TransportProcess {
		if _, err := m.entrypoints.Lookup(locator); err != nil {
			return nil, err
		}
	}

	opts := make([]worker.Option, 0, len(m.opts)+4)
	opts = append(opts, m.opts...)
	opts = append(opts,
		worker.WithRegistry(m.entrypoints),
		worker.WithLauncher(kind, launcher),
		worker.WithLogger(m.logger),
		worker.WithRecorder(m.journal),
	)

	h, err := worker.OpenRaw(ctx, locator, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.handles[h.ID()] = h
	m.mu.Unlock()

	m.wg.Go(func() {
		<-h.Done()
		m.mu.Lock()
		delete(m.handles, h.ID())
		m.mu.Unlock()
	})

	rec, err := m.store.GetHandle(ctx, h.ID())
	if err != nil {
		h.Terminate()
		return nil, fmt.Errorf("read spawned handle: %w", err)
	}
	return rec, nil
}

// Live reports how many handles are running in this process.
func (m *Manager) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, h := range m.handles {
		if !stopped(h) {
			n++
		}
	}
	return n
}

// Get returns the journal record of a handle.
func (m *Manager) Get(ctx context.Context, id string) (*model.HandleRecord, error) {
	return m.store.GetHandle(ctx, id)
}

// List returns a page of handle records, newest first, and the total count.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*model.HandleRecord, int, error) {
	return m.store.ListHandles(ctx, limit, offset)
}

// Calls returns the calls made on a handle in the order they started.
func (m *Manager) Calls(ctx context.Context, id string) ([]*model.CallRecord, error) {
	if _, err := m.store.GetHandle(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListCalls(ctx, id)
}

// Stats returns aggregate journal statistics.
func (m *Manager) Stats(ctx context.Context) (*store.Stats, error) {
	return m.store.GetStats(ctx)
}

// Run performs one call on a live handle.
func (m *Manager) Run(ctx context.Context, id string, input json.RawMessage) (json.RawMessage, error) {
	h, err := m.live(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.RunJSON(ctx, input)
}

// Terminate stops a live handle.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	h, err := m.live(ctx, id)
	if err != nil {
		return err
	}
	return h.Terminate()
}

// live returns the running handle for id, or ErrNotLive / store.ErrNotFound.
func (m *Manager) live(ctx context.Context, id string) (*worker.RawHandle, error) {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()
	if ok && !stopped(h) {
		return h, nil
	}

	if _, err := m.store.GetHandle(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrNotLive
}

// stopped reports whether h terminated but has not been removed yet.
func stopped(h *worker.RawHandle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// Shutdown terminates every live handle and waits for their bookkeeping to finish.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	live := make([]*worker.RawHandle, 0, len(m.handles))
	for _, h := range m.handles {
		live = append(live, h)
	}
	m.mu.RUnlock()

	for _, h := range live {
		if err := h.Terminate(); err != nil {
			m.logger.Error("terminate handle", "handle_id", h.ID(), "error", err)
		}
	}
	m.wg.Wait()
}
