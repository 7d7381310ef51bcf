package entrypoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/offload/internal/protocol"
)

// Binding answers requests arriving on one connection. Each Serve call is one
// isolated context instance; it returns when the connection closes or ctx ends.
type Binding interface {
	Serve(ctx context.Context, conn protocol.Conn) error
}

// Func is the user function executed inside the worker.
type Func[TIn, TOut any] func(ctx context.Context, in TIn) (TOut, error)

// Init produces the function for one isolated context. It runs once at the
// start of every Serve, so anything the returned closure captures lives and
// dies with that context.
type Init[TIn, TOut any] func() Func[TIn, TOut]

// Result is the settled value of an asynchronous call.
type Result[T any] struct {
	Value T
	Err   error
}

// Stateless wraps fn so every context shares it.
func Stateless[TIn, TOut any](fn Func[TIn, TOut]) Init[TIn, TOut] {
	return func() Func[TIn, TOut] { return fn }
}

// Sync adapts a plain function that cannot fail.
func Sync[TIn, TOut any](fn func(TIn) TOut) Func[TIn, TOut] {
	return func(_ context.Context, in TIn) (TOut, error) {
		return fn(in), nil
	}
}

// Async adapts a function whose result is delivered later on a channel.
// The binding waits for the channel to settle before replying. A channel
// closed without a value counts as a failure.
func Async[TIn, TOut any](fn func(ctx context.Context, in TIn) <-chan Result[TOut]) Func[TIn, TOut] {
	return func(ctx context.Context, in TIn) (TOut, error) {
		var zero TOut
		select {
		case res, ok := <-fn(ctx, in):
			if !ok {
				return zero, errors.New("async result channel closed without a value")
			}
			return res.Value, res.Err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Bind creates a Binding that decodes each request payload as TIn, calls the
// function produced by init, and encodes its output as TOut.
func Bind[TIn, TOut any](init Init[TIn, TOut]) Binding {
	return &funcBinding[TIn, TOut]{init: init, logger: slog.Default()}
}

type funcBinding[TIn, TOut any] struct {
	init   Init[TIn, TOut]
	logger *slog.Logger
}

func (b *funcBinding[TIn, TOut]) Serve(ctx context.Context, conn protocol.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	fn := b.init()
	for {
		msg, err := conn.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive request: %w", err)
		}

		if msg.Type != protocol.TypeRequest {
			b.logger.Warn("ignoring unexpected frame", "type", msg.Type, "id", msg.ID)
			continue
		}

		if err := conn.Send(b.handle(ctx, fn, msg)); err != nil {
			if errors.Is(err, protocol.ErrClosed) {
				return nil
			}
			return fmt.Errorf("send response: %w", err)
		}
	}
}

// handle runs one request to completion and builds its response frame.
func (b *funcBinding[TIn, TOut]) handle(ctx context.Context, fn Func[TIn, TOut], msg protocol.Message) (resp protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("entry point panicked", "id", msg.ID, "panic", r)
			resp = protocol.Failure(msg.ID, fmt.Sprintf("panic: %v", r))
		}
	}()

	var in TIn
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &in); err != nil {
			return protocol.Failure(msg.ID, fmt.Sprintf("decode input: %v", err))
		}
	}

	out, err := fn(ctx, in)
	if err != nil {
		return protocol.Failure(msg.ID, err.Error())
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return protocol.Failure(msg.ID, fmt.Sprintf("encode output: %v", err))
	}
	return protocol.Result(msg.ID, payload)
}
