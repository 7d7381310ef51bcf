package entrypoint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/offload/internal/protocol"
)

// serveOverPipe starts b on one end of an in-memory pipe and returns the
// caller's end. The binding stops when the test ends.
func serveOverPipe(t *testing.T, b Binding) protocol.Conn {
	t.Helper()
	caller, worker := protocol.Pipe()

	done := make(chan error, 1)
	go func() { done <- b.Serve(context.Background(), worker) }()

	t.Cleanup(func() {
		caller.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after close")
		}
	})
	return caller
}

// call sends one request and waits for its response.
func call(t *testing.T, conn protocol.Conn, id string, in any) protocol.Message {
	t.Helper()
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	if err := conn.Send(protocol.Request(id, payload)); err != nil {
		t.Fatalf("send request: %v", err)
	}
	resp, err := conn.Recv()
	if err != nil {
		t.Fatalf("receive response: %v", err)
	}
	if resp.ID != id {
		t.Fatalf("response ID = %q, want %q", resp.ID, id)
	}
	return resp
}

func decodeString(t *testing.T, msg protocol.Message) string {
	t.Helper()
	if msg.Type != protocol.TypeResult {
		t.Fatalf("Type = %q (error %q), want result", msg.Type, msg.Error)
	}
	var s string
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return s
}

func counting() Func[string, string] {
	n := 0
	return func(_ context.Context, in string) (string, error) {
		n++
		return strings.ToUpper(in) + string(rune('0'+n)), nil
	}
}

func TestBindingAnswersRequests(t *testing.T) {
	conn := serveOverPipe(t, Bind(Stateless(Sync(strings.ToUpper))))

	if got := decodeString(t, call(t, conn, "1", "hello")); got != "HELLO" {
		t.Errorf("result = %q, want %q", got, "HELLO")
	}
}

func TestBindingStateIsScopedToContext(t *testing.T) {
	b := Bind(counting)

	first := serveOverPipe(t, b)
	second := serveOverPipe(t, b)

	if got := decodeString(t, call(t, first, "a1", "x")); got != "X1" {
		t.Errorf("first context call 1 = %q, want X1", got)
	}
	if got := decodeString(t, call(t, second, "b1", "y")); got != "Y1" {
		t.Errorf("second context call 1 = %q, want Y1", got)
	}
	if got := decodeString(t, call(t, first, "a2", "x")); got != "X2" {
		t.Errorf("first context call 2 = %q, want X2", got)
	}
}

func TestBindingAsyncResult(t *testing.T) {
	fn := Async(func(_ context.Context, in int) <-chan Result[int] {
		ch := make(chan Result[int], 1)
		go func() {
			time.Sleep(5 * time.Millisecond)
			ch <- Result[int]{Value: in * 2}
		}()
		return ch
	})
	conn := serveOverPipe(t, Bind(Stateless(fn)))

	resp := call(t, conn, "1", 21)
	if resp.Type != protocol.TypeResult {
		t.Fatalf("Type = %q, want result", resp.Type)
	}
	if string(resp.Payload) != "42" {
		t.Errorf("payload = %s, want 42", resp.Payload)
	}
}

func TestBindingAsyncClosedChannelFails(t *testing.T) {
	fn := Async(func(_ context.Context, _ int) <-chan Result[int] {
		ch := make(chan Result[int])
		close(ch)
		return ch
	})
	conn := serveOverPipe(t, Bind(Stateless(fn)))

	resp := call(t, conn, "1", 1)
	if resp.Type != protocol.TypeFailure {
		t.Fatalf("Type = %q, want failure", resp.Type)
	}
}

func TestBindingReportsErrorAsFailure(t *testing.T) {
	fn := func(_ context.Context, _ string) (string, error) {
		return "", errors.New("no can do")
	}
	conn := serveOverPipe(t, Bind(Stateless(fn)))

	resp := call(t, conn, "1", "x")
	if resp.Type != protocol.TypeFailure {
		t.Fatalf("Type = %q, want failure", resp.Type)
	}
	if resp.Error != "no can do" {
		t.Errorf("Error = %q, want %q", resp.Error, "no can do")
	}
}

func TestBindingSurvivesPanic(t *testing.T) {
	fn := func(_ context.Context, in string) (string, error) {
		if in == "boom" {
			panic("kaboom")
		}
		return in, nil
	}
	conn := serveOverPipe(t, Bind(Stateless(fn)))

	resp := call(t, conn, "1", "boom")
	if resp.Type != protocol.TypeFailure {
		t.Fatalf("Type = %q, want failure", resp.Type)
	}
	if !strings.Contains(resp.Error, "kaboom") {
		t.Errorf("Error = %q, want to contain panic value", resp.Error)
	}

	// The context keeps serving after a panic.
	if got := decodeString(t, call(t, conn, "2", "fine")); got != "fine" {
		t.Errorf("result after panic = %q, want %q", got, "fine")
	}
}

func TestBindingRejectsUndecodableInput(t *testing.T) {
	conn := serveOverPipe(t, Bind(Stateless(Sync(func(n int) int { return n }))))

	if err := conn.Send(protocol.Request("1", json.RawMessage(`"not a number"`))); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Type != protocol.TypeFailure || !strings.Contains(resp.Error, "decode input") {
		t.Errorf("resp = %+v, want decode failure", resp)
	}
}

func TestBindingIgnoresNonRequestFrames(t *testing.T) {
	conn := serveOverPipe(t, Bind(Stateless(Sync(strings.ToUpper))))

	if err := conn.Send(protocol.Hello("noise")); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	if got := decodeString(t, call(t, conn, "1", "ok")); got != "OK" {
		t.Errorf("result = %q, want OK", got)
	}
}

func TestBindingStopsOnContextCancel(t *testing.T) {
	caller, worker := protocol.Pipe()
	defer caller.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Bind(Stateless(Sync(strings.ToUpper))).Serve(ctx, worker) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
