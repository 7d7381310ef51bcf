package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/offload/internal/protocol"
)

// helloTimeout bounds how long a fresh connection may take to name its entry point.
const helloTimeout = 10 * time.Second

// Agent serves registered entry points to callers connecting over a listener
// (a unix socket or vsock). Every connection is its own isolated context.
type Agent struct {
	listener net.Listener
	registry *Registry
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewAgent creates a guest agent resolving locators against reg.
func NewAgent(listener net.Listener, reg *Registry, logger *slog.Logger) *Agent {
	if reg == nil {
		reg = Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		listener: listener,
		registry: reg,
		logger:   logger,
	}
}

// Serve accepts connections until the listener is closed or ctx ends. It waits
// for open connections to finish before returning.
func (a *Agent) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { a.listener.Close() })
	defer stop()
	defer a.wg.Wait()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Go(func() {
			a.handleConnection(ctx, conn)
		})
	}
}

// handleConnection reads the hello frame and hands the connection to the
// named binding.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	sc := protocol.NewNetConn(conn)
	defer sc.Close()

	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		a.logger.Error("set hello deadline", "error", err)
		return
	}
	hello, err := sc.Recv()
	if err != nil {
		a.logger.Error("read hello", "error", err)
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		a.logger.Error("clear hello deadline", "error", err)
		return
	}

	if hello.Type != protocol.TypeHello {
		a.reject(sc, fmt.Sprintf("expected %q frame, got %q", protocol.TypeHello, hello.Type))
		return
	}

	b, err := a.registry.Lookup(hello.Locator)
	if err != nil {
		a.reject(sc, err.Error())
		return
	}

	// Acknowledge so the caller knows the binding exists before sending work.
	if err := sc.Send(protocol.Hello(hello.Locator)); err != nil {
		a.logger.Error("acknowledge hello", "locator", hello.Locator, "error", err)
		return
	}

	a.logger.Info("serving entry point", "locator", hello.Locator, "remote", conn.RemoteAddr().String())
	if err := b.Serve(ctx, sc); err != nil {
		a.logger.Error("serve entry point", "locator", hello.Locator, "error", err)
	}
}

// reject answers a bad handshake with a failure frame carrying no request ID.
func (a *Agent) reject(sc *protocol.StreamConn, reason string) {
	a.logger.Warn("rejecting connection", "reason", reason)
	if err := sc.Send(protocol.Failure("", reason)); err != nil {
		a.logger.Error("write rejection", "error", err)
	}
}
