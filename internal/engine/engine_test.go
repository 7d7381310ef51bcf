package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/offload/internal/config"
	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/store"
	"github.com/seantiz/offload/internal/worker"
)

func testRegistry(t *testing.T) *entrypoint.Registry {
	t.Helper()
	reg := entrypoint.NewRegistry()
	if err := reg.Register("upper", entrypoint.Bind(entrypoint.Stateless(entrypoint.Sync(strings.ToUpper)))); err != nil {
		t.Fatal(err)
	}
	fail := func(context.Context, string) (string, error) { return "", errors.New("always fails") }
	if err := reg.Register("fail", entrypoint.Bind(entrypoint.Stateless(fail))); err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestManager(t *testing.T) (*engine.Manager, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := testRegistry(t)
	launchers := engine.NewLaunchers(config.Config{GuestSocket: "/nonexistent.sock"}, reg, logger)
	m := engine.NewManager(s, launchers, reg, model.TransportInProcess, logger)
	t.Cleanup(m.Shutdown)
	return m, s
}

func spawn(t *testing.T, m *engine.Manager, locator string) *model.HandleRecord {
	t.Helper()
	rec, err := m.Spawn(context.Background(), locator, "")
	if err != nil {
		t.Fatalf("Spawn(%q): %v", locator, err)
	}
	return rec
}

func TestSpawnRecordsHandle(t *testing.T) {
	m, _ := newTestManager(t)
	rec := spawn(t, m, "upper")

	if !model.ValidID(rec.ID) {
		t.Errorf("ID = %q, want a ULID", rec.ID)
	}
	if rec.Locator != "upper" {
		t.Errorf("Locator = %q, want %q", rec.Locator, "upper")
	}
	if rec.Transport != model.TransportInProcess {
		t.Errorf("Transport = %q, want %q", rec.Transport, model.TransportInProcess)
	}
	if rec.State != model.StateIdle {
		t.Errorf("State = %q, want %q", rec.State, model.StateIdle)
	}
}

func TestSpawnUnknownLocator(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Spawn(context.Background(), "missing", "")
	if !errors.Is(err, entrypoint.ErrUnknownEntrypoint) {
		t.Errorf("Spawn error = %v, want ErrUnknownEntrypoint", err)
	}
}

func TestSpawnUnknownTransport(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Spawn(context.Background(), "upper", "carrier-pigeon"); err == nil {
		t.Error("Spawn with unknown transport succeeded, want error")
	}
}

func TestRunJournalsCall(t *testing.T) {
	m, _ := newTestManager(t)
	rec := spawn(t, m, "upper")
	ctx := context.Background()

	out, err := m.Run(ctx, rec.ID, json.RawMessage(`"string one"`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `"STRING ONE"` {
		t.Errorf("output = %s, want %q", out, `"STRING ONE"`)
	}

	calls, err := m.Calls(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Calls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].Outcome != model.OutcomeSucceeded {
		t.Errorf("Outcome = %q, want %q", calls[0].Outcome, model.OutcomeSucceeded)
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Calls != 1 {
		t.Errorf("Calls = %d, want 1", got.Calls)
	}
	if got.State != model.StateIdle {
		t.Errorf("State = %q, want %q", got.State, model.StateIdle)
	}
}

func TestRunRemoteFailure(t *testing.T) {
	m, _ := newTestManager(t)
	rec := spawn(t, m, "fail")

	_, err := m.Run(context.Background(), rec.ID, json.RawMessage(`"x"`))
	var remote *worker.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Run error = %v, want RemoteError", err)
	}
	if remote.Reason != "always fails" {
		t.Errorf("Reason = %q, want %q", remote.Reason, "always fails")
	}
}

func TestTerminate(t *testing.T) {
	m, _ := newTestManager(t)
	rec := spawn(t, m, "upper")
	ctx := context.Background()

	if err := m.Terminate(ctx, rec.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != model.StateTerminated {
		t.Errorf("State = %q, want %q", got.State, model.StateTerminated)
	}
	if got.TerminatedAt == nil {
		t.Error("TerminatedAt is nil after Terminate")
	}

	if _, err := m.Run(ctx, rec.ID, json.RawMessage(`"x"`)); !errors.Is(err, engine.ErrNotLive) {
		t.Errorf("Run after Terminate error = %v, want ErrNotLive", err)
	}
	if err := m.Terminate(ctx, rec.ID); !errors.Is(err, engine.ErrNotLive) {
		t.Errorf("second Terminate error = %v, want ErrNotLive", err)
	}
	if n := m.Live(); n != 0 {
		t.Errorf("Live() = %d, want 0", n)
	}
}

func TestUnknownHandle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Run(ctx, "nonexistent", nil); err != store.ErrNotFound {
		t.Errorf("Run error = %v, want ErrNotFound", err)
	}
	if err := m.Terminate(ctx, "nonexistent"); err != store.ErrNotFound {
		t.Errorf("Terminate error = %v, want ErrNotFound", err)
	}
	if _, err := m.Calls(ctx, "nonexistent"); err != store.ErrNotFound {
		t.Errorf("Calls error = %v, want ErrNotFound", err)
	}
}

func TestEventsStream(t *testing.T) {
	m, _ := newTestManager(t)
	rec := spawn(t, m, "upper")
	ctx := context.Background()

	events, unsub := m.Broker().Subscribe(rec.ID)
	defer unsub()

	if _, err := m.Run(ctx, rec.ID, json.RawMessage(`"x"`)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := m.Terminate(ctx, rec.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	var types []string
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			types = append(types, ev.Type+":"+ev.State+ev.Outcome)
		case <-timeout:
			t.Fatalf("event stream did not close; got %v", types)
		}
	}

	// The idle transition and the call outcome are journaled from different
	// goroutines, so only their presence is fixed.
	if len(types) != 5 {
		t.Fatalf("events = %v, want 5", types)
	}
	if types[0] != "state:busy" || types[1] != "call:pending" || types[4] != "state:terminated" {
		t.Errorf("events = %v, want busy, pending, ..., terminated", types)
	}
	middle := []string{types[2], types[3]}
	slices.Sort(middle)
	if middle[0] != "finished:succeeded" || middle[1] != "state:idle" {
		t.Errorf("events = %v, want idle and succeeded after pending", types)
	}
}

func TestShutdownTerminatesAll(t *testing.T) {
	m, _ := newTestManager(t)
	a := spawn(t, m, "upper")
	b := spawn(t, m, "upper")

	m.Shutdown()

	ctx := context.Background()
	for _, id := range []string{a.ID, b.ID} {
		got, err := m.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != model.StateTerminated {
			t.Errorf("handle %s State = %q, want terminated", id, got.State)
		}
	}
}

func TestListAndStats(t *testing.T) {
	m, _ := newTestManager(t)
	spawn(t, m, "upper")
	spawn(t, m, "upper")
	ctx := context.Background()

	handles, total, err := m.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(handles) != 2 {
		t.Errorf("List = %d handles (total %d), want 2", len(handles), total)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Handles != 2 {
		t.Errorf("Stats.Handles = %d, want 2", stats.Handles)
	}
}

func TestEntrypointsAndTransports(t *testing.T) {
	m, _ := newTestManager(t)

	if got := strings.Join(m.Entrypoints(), ","); got != "fail,upper" {
		t.Errorf("Entrypoints = %q, want %q", got, "fail,upper")
	}
	if got := strings.Join(m.Transports(), ","); got != "inproc,process,unix,vsock" {
		t.Errorf("Transports = %q, want %q", got, "inproc,process,unix,vsock")
	}
}
