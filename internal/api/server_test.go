package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/offload/internal/config"
	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/store"
)

// testServer bundles a server with the gate that releases "slow" calls.
type testServer struct {
	*Server
	release chan struct{}
}

func testEntrypoints(t *testing.T, release <-chan struct{}) *entrypoint.Registry {
	t.Helper()
	reg := entrypoint.NewRegistry()
	upper := entrypoint.Stateless(entrypoint.Sync(strings.ToUpper))
	fail := entrypoint.Stateless(func(context.Context, string) (string, error) {
		return "", errors.New("always fails")
	})
	slow := entrypoint.Stateless(func(ctx context.Context, in string) (string, error) {
		select {
		case <-release:
			return in, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	for locator, b := range map[string]entrypoint.Binding{
		"upper": entrypoint.Bind(upper),
		"fail":  entrypoint.Bind(fail),
		"slow":  entrypoint.Bind(slow),
	} {
		if err := reg.Register(locator, b); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := testEntrypoints(t, release)
	launchers := engine.NewLaunchers(config.Config{GuestSocket: "/nonexistent.sock"}, reg, logger)
	mgr := engine.NewManager(s, launchers, reg, model.TransportInProcess, logger)
	t.Cleanup(mgr.Shutdown)

	return &testServer{Server: NewServer(":0", mgr, logger), release: release}
}

// doJSON sends body as JSON and decodes the response into out when non-nil.
func doJSON(t *testing.T, method, url string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp
}

// spawnWorker creates a worker over the API and returns its record.
func spawnWorker(t *testing.T, baseURL, locator string) model.HandleRecord {
	t.Helper()
	var rec model.HandleRecord
	resp := doJSON(t, http.MethodPost, baseURL+"/v1/workers", spawnWorkerRequest{Locator: locator}, &rec)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn %q: status = %d, want 201", locator, resp.StatusCode)
	}
	return rec
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

}

func TestRunReturnsOnContextCancel(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestServeOnListener(t *testing.T) {
	srv := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp := doJSON(t, http.MethodGet, "http://"+ln.Addr().String()+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestAccessLog(t *testing.T) {
	srv := newTestServer(t)
	var buf bytes.Buffer
	logged := NewServer(":0", srv.manager, slog.New(slog.NewJSONHandler(&buf, nil)))

	for _, path := range []string{"/healthz", "/v1/workers/01HZXAMPLE"} {
		rec := httptest.NewRecorder()
		logged.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	var lines []map[string]any
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		lines = append(lines, line)
	}

	// Successful health probes are below the default level.
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %v", len(lines), lines)
	}
	line := lines[0]
	if line["path"] != "/v1/workers/01HZXAMPLE" {
		t.Errorf("path = %v, want /v1/workers/01HZXAMPLE", line["path"])
	}
	if line["handle_id"] != "01HZXAMPLE" {
		t.Errorf("handle_id = %v, want 01HZXAMPLE", line["handle_id"])
	}
	if line["status"] != float64(http.StatusNotFound) {
		t.Errorf("status = %v, want 404", line["status"])
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}
