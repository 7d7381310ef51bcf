package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/protocol"
)

// Retry defaults for guest connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// DefaultVsockPort is the port guest agents listen on.
const DefaultVsockPort uint32 = 1024

// ErrRejected is returned when a guest agent refuses the requested entry point.
var ErrRejected = errors.New("guest rejected entry point")

// Unix connects to a guest agent listening on a unix socket.
//
// With BridgePort set, Path is instead the socket Firecracker creates for a
// microVM's vsock device, and each connection is bridged to the guest agent
// listening on that vsock port.
type Unix struct {
	Path       string
	BridgePort uint32
	Logger     *slog.Logger
}

// Launch dials the agent and binds locator.
func (l *Unix) Launch(ctx context.Context, locator string) (Transport, error) {
	start := time.Now()
	dialer := net.Dialer{}
	conn, err := dialWithRetry(ctx, func(ctx context.Context) (net.Conn, error) {
		c, err := dialer.DialContext(ctx, "unix", l.Path)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", l.Path, err)
		}
		if l.BridgePort == 0 {
			return c, nil
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := c.SetDeadline(deadline); err != nil {
				c.Close()
				return nil, fmt.Errorf("set deadline: %w", err)
			}
		}
		bc, err := connectBridge(c, l.BridgePort)
		if err != nil {
			c.Close()
			return nil, err
		}
		return bc, nil
	})
	if err != nil {
		return nil, err
	}
	return finishDial(ctx, model.TransportUnix, conn, locator, start, l.Logger)
}

// Vsock connects to a guest agent inside a virtual machine over AF_VSOCK.
type Vsock struct {
	CID    uint32
	Port   uint32
	Logger *slog.Logger
}

// Launch dials the agent and binds locator.
func (l *Vsock) Launch(ctx context.Context, locator string) (Transport, error) {
	start := time.Now()
	port := l.Port
	if port == 0 {
		port = DefaultVsockPort
	}
	conn, err := dialWithRetry(ctx, func(context.Context) (net.Conn, error) {
		c, err := vsock.Dial(l.CID, port, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to vsock %d:%d: %w", l.CID, port, err)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return finishDial(ctx, model.TransportVsock, conn, locator, start, l.Logger)
}

// connectBridge performs Firecracker's host-initiated vsock handshake: send
// "CONNECT <port>\n", expect "OK <host_port>\n".
func connectBridge(conn net.Conn, port uint32) (net.Conn, error) {
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Frames must be read through the same buffer as the reply line.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}
	return &bufferedConn{Conn: conn, reader: reader}, nil
}

// bufferedConn is a net.Conn whose reads drain a buffered reader first.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// dialWithRetry calls dial with exponential backoff until it succeeds, the
// attempts run out, or ctx ends.
func dialWithRetry(ctx context.Context, dial func(context.Context) (net.Conn, error)) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		conn, err := dial(ctx)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial guest: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return conn, nil
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// finishDial performs the hello handshake and wraps the connection.
func finishDial(ctx context.Context, kind string, conn net.Conn, locator string, start time.Time, logger *slog.Logger) (Transport, error) {
	sc, err := handshake(ctx, conn, locator)
	if err != nil {
		conn.Close()
		return nil, err
	}
	launchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return NewConduit(kind, sc, nil, logger), nil
}

// handshake sends the hello frame and waits for the agent's answer.
// Deadlines from ctx apply only to the handshake itself.
func handshake(ctx context.Context, conn net.Conn, locator string) (*protocol.StreamConn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	sc := protocol.NewNetConn(conn)
	if err := sc.Send(protocol.Hello(locator)); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	ack, err := sc.Recv()
	if err != nil {
		return nil, fmt.Errorf("read hello ack: %w", err)
	}

	switch ack.Type {
	case protocol.TypeHello:
	case protocol.TypeFailure:
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	default:
		return nil, fmt.Errorf("unexpected handshake frame %q", ack.Type)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %w", err)
	}
	return sc, nil
}
