package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/protocol"
)

// InProcess hosts each worker context on its own goroutine, connected by an
// in-memory pipe. Terminate cancels the context passed to the user function;
// a function that ignores it keeps its goroutine until it returns, but its
// result is never delivered.
type InProcess struct {
	Registry *entrypoint.Registry
	Logger   *slog.Logger
}

// Launch starts a goroutine serving the binding registered under locator.
func (l *InProcess) Launch(_ context.Context, locator string) (Transport, error) {
	start := time.Now()
	reg := l.Registry
	if reg == nil {
		reg = entrypoint.Default
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b, err := reg.Lookup(locator)
	if err != nil {
		return nil, err
	}

	caller, worker := protocol.Pipe()

	// The worker context outlives the launch call, so it is detached from ctx.
	wctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer worker.Close()
		if err := b.Serve(wctx, worker); err != nil {
			logger.Error("in-process worker stopped", "locator", locator, "error", err)
		}
	}()

	launchDuration.WithLabelValues(model.TransportInProcess).Observe(time.Since(start).Seconds())
	return NewConduit(model.TransportInProcess, caller, func() error {
		cancel()
		return nil
	}, logger), nil
}
