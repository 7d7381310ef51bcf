package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/offload/internal/protocol"
)

var (
	// ErrTerminated is reported once Terminate has been called.
	ErrTerminated = errors.New("transport terminated")

	// ErrClosed is reported when the worker context went away on its own.
	ErrClosed = errors.New("transport closed")
)

// Transport is the caller's end of one isolated worker context.
type Transport interface {
	// Send delivers msg to the worker. Delivery is first-in-first-out.
	Send(ctx context.Context, msg protocol.Message) error

	// SetHandler installs the callback invoked for every inbound message,
	// in arrival order, on a single goroutine. Inbound delivery starts with
	// the first call.
	SetHandler(h func(protocol.Message))

	// Terminate stops the worker context unconditionally. Responses to
	// requests still in flight are never delivered.
	Terminate() error

	// Done is closed when the transport stops, by Terminate or otherwise.
	Done() <-chan struct{}

	// Err reports why Done was closed. It is nil while the transport runs.
	Err() error
}

// Compile-time interface satisfaction check.
var _ Transport = (*Conduit)(nil)

// Conduit implements Transport over a protocol.Conn.
type Conduit struct {
	kind   string
	conn   protocol.Conn
	stop   func() error
	logger *slog.Logger

	mu       sync.RWMutex
	handler  func(protocol.Message)
	readOnce sync.Once

	finishOnce sync.Once
	done       chan struct{}
	err        error
	stopOnce   sync.Once
	stopErr    error
}

// NewConduit wraps conn. stop, which may be nil, tears down whatever hosts
// the worker end; it runs once, on Terminate or when the connection drops.
func NewConduit(kind string, conn protocol.Conn, stop func() error, logger *slog.Logger) *Conduit {
	if logger == nil {
		logger = slog.Default()
	}
	activeTransports.WithLabelValues(kind).Inc()
	return &Conduit{
		kind:   kind,
		conn:   conn,
		stop:   stop,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Kind reports the launcher kind that created the conduit.
func (c *Conduit) Kind() string {
	return c.kind
}

// Send delivers msg to the worker.
func (c *Conduit) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.err
	default:
	}
	if err := c.conn.Send(msg); err != nil {
		if errors.Is(err, protocol.ErrClosed) {
			select {
			case <-c.done:
				return c.err
			default:
			}
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// SetHandler installs h and starts inbound delivery on first use.
func (c *Conduit) SetHandler(h func(protocol.Message)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()

	c.readOnce.Do(func() {
		go c.readLoop()
	})
}

// Terminate stops the worker context. It is safe to call more than once.
func (c *Conduit) Terminate() error {
	c.finish(ErrTerminated)
	return c.shutdown()
}

// Done is closed when the transport stops.
func (c *Conduit) Done() <-chan struct{} {
	return c.done
}

// Err reports why the transport stopped.
func (c *Conduit) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// readLoop dispatches inbound messages until the connection fails.
func (c *Conduit) readLoop() {
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrClosed) {
				c.finish(ErrClosed)
			} else {
				c.logger.Error("transport read failed", "kind", c.kind, "error", err)
				c.finish(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			if stopErr := c.shutdown(); stopErr != nil {
				c.logger.Warn("transport teardown", "kind", c.kind, "error", stopErr)
			}
			return
		}

		select {
		case <-c.done:
			// Nothing is delivered after Terminate.
			return
		default:
		}

		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(msg)
		}
	}
}

// finish records the first stop reason and closes Done.
func (c *Conduit) finish(err error) {
	c.finishOnce.Do(func() {
		c.err = err
		close(c.done)
		activeTransports.WithLabelValues(c.kind).Dec()
	})
}

// shutdown closes the connection and runs the stop hook once.
func (c *Conduit) shutdown() error {
	c.stopOnce.Do(func() {
		closeErr := c.conn.Close()
		if c.stop != nil {
			c.stopErr = c.stop()
		}
		if c.stopErr == nil {
			c.stopErr = closeErr
		}
	})
	return c.stopErr
}
