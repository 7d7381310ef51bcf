package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
)

// pipeBufferSize is the number of frames each direction of a Pipe can hold
// before Send blocks.
const pipeBufferSize = 64

// ErrClosed is returned by Send and Recv once the connection is closed.
var ErrClosed = errors.New("connection closed")

// Conn is one end of a message channel between a caller and a worker.
// Send and Recv may be used from different goroutines; each is used by at
// most one goroutine at a time.
type Conn interface {
	Send(Message) error
	Recv() (Message, error)
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ Conn = (*StreamConn)(nil)
	_ Conn = (*pipeConn)(nil)
)

// StreamConn carries framed messages over a byte stream such as a socket or
// a child process's stdio.
type StreamConn struct {
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake
	writer io.Writer
	closer io.Closer

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn creates a Conn reading frames from r and writing frames to w.
// Close closes c, which may be nil.
func NewStreamConn(r io.Reader, w io.Writer, c io.Closer) *StreamConn {
	if _, ok := r.(*bufio.Reader); !ok {
		r = bufio.NewReader(r)
	}
	return &StreamConn{reader: r, writer: w, closer: c}
}

// NewNetConn wraps a network connection.
func NewNetConn(conn net.Conn) *StreamConn {
	return NewStreamConn(conn, conn, conn)
}

// Send writes msg as one frame.
func (c *StreamConn) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteMessage(c.writer, &msg); err != nil {
		return closedOr(err)
	}
	return nil
}

// Recv blocks until the next frame arrives.
func (c *StreamConn) Recv() (Message, error) {
	var msg Message
	if err := ReadMessage(c.reader, &msg); err != nil {
		return Message{}, closedOr(err)
	}
	return msg, nil
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}

// closedOr maps end-of-stream errors onto ErrClosed and passes others through.
func closedOr(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

// pipeConn is one end of an in-memory connection pair.
type pipeConn struct {
	in   <-chan Message
	out  chan<- Message
	done chan struct{}
	once *sync.Once
}

// Pipe creates a buffered in-memory connection pair. Messages sent on one
// end are received on the other in order. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan Message, pipeBufferSize)
	ba := make(chan Message, pipeBufferSize)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{in: ba, out: ab, done: done, once: once}
	b := &pipeConn{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *pipeConn) Send(msg Message) error {
	// Check done first so a closed pipe never accepts a frame even when
	// the buffer has room.
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeConn) Recv() (Message, error) {
	select {
	case <-p.done:
		return Message{}, ErrClosed
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return Message{}, ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
