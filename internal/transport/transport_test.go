package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/offload/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// collector records every message a conduit delivers.
type collector struct {
	mu   sync.Mutex
	msgs []protocol.Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(msg protocol.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []protocol.Message {
	t.Helper()
	for range n {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.msgs...)
}

func recvRequest(t *testing.T, conn protocol.Conn) protocol.Message {
	t.Helper()
	msg, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeRequest, msg.Type)
	return msg
}

func TestConduitDeliversInOrder(t *testing.T) {
	caller, worker := protocol.Pipe()
	c := NewConduit("test", caller, nil, discardLogger())
	t.Cleanup(func() { c.Terminate() })

	col := newCollector()
	c.SetHandler(col.handle)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, worker.Send(protocol.Result(id, json.RawMessage(`"x"`))))
	}

	msgs := col.wait(t, 3)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, "c", msgs[2].ID)
}

func TestConduitSendReachesWorker(t *testing.T) {
	caller, worker := protocol.Pipe()
	c := NewConduit("test", caller, nil, discardLogger())
	t.Cleanup(func() { c.Terminate() })

	require.NoError(t, c.Send(context.Background(), protocol.Request("1", json.RawMessage(`"hi"`))))
	msg := recvRequest(t, worker)
	assert.Equal(t, "1", msg.ID)
	assert.JSONEq(t, `"hi"`, string(msg.Payload))
}

func TestConduitSendHonoursContext(t *testing.T) {
	caller, _ := protocol.Pipe()
	c := NewConduit("test", caller, nil, discardLogger())
	t.Cleanup(func() { c.Terminate() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Send(ctx, protocol.Request("1", nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConduitTerminate(t *testing.T) {
	caller, worker := protocol.Pipe()
	stopped := 0
	c := NewConduit("test", caller, func() error {
		stopped++
		return nil
	}, discardLogger())

	col := newCollector()
	c.SetHandler(col.handle)

	require.NoError(t, c.Terminate())
	require.NoError(t, c.Terminate())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Terminate")
	}
	assert.ErrorIs(t, c.Err(), ErrTerminated)
	assert.Equal(t, 1, stopped, "stop hook runs once")

	err := c.Send(context.Background(), protocol.Request("1", nil))
	assert.ErrorIs(t, err, ErrTerminated)

	// The worker end sees the close, and nothing it sends is delivered.
	assert.Error(t, worker.Send(protocol.Result("late", nil)))
	select {
	case <-col.got:
		t.Fatal("message delivered after Terminate")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConduitPeerClose(t *testing.T) {
	caller, worker := protocol.Pipe()
	stopped := make(chan struct{})
	c := NewConduit("test", caller, func() error {
		close(stopped)
		return nil
	}, discardLogger())
	c.SetHandler(func(protocol.Message) {})

	require.NoError(t, worker.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after peer close")
	}
	assert.ErrorIs(t, c.Err(), ErrClosed)
	assert.False(t, errors.Is(c.Err(), ErrTerminated))

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop hook not run after peer close")
	}
}

func TestConduitErrNilWhileRunning(t *testing.T) {
	caller, _ := protocol.Pipe()
	c := NewConduit("test", caller, nil, discardLogger())
	t.Cleanup(func() { c.Terminate() })
	assert.NoError(t, c.Err())
	assert.Equal(t, "test", c.Kind())
}

func TestConduitActiveGauge(t *testing.T) {
	const kind = "gauge-test"
	before := testutil.ToFloat64(activeTransports.WithLabelValues(kind))

	caller, _ := protocol.Pipe()
	c := NewConduit(kind, caller, nil, discardLogger())
	assert.Equal(t, before+1, testutil.ToFloat64(activeTransports.WithLabelValues(kind)))

	require.NoError(t, c.Terminate())
	assert.Equal(t, before, testutil.ToFloat64(activeTransports.WithLabelValues(kind)))
}
