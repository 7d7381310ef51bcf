package entrypoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/offload/internal/protocol"
)

// EnvEntrypoint names the entry point a re-executed worker child must serve.
// Its presence is what marks a process as a child.
const EnvEntrypoint = "OFFLOAD_ENTRYPOINT"

// IsChild reports whether the current process was launched as a worker child.
func IsChild() bool {
	return os.Getenv(EnvEntrypoint) != ""
}

// Main turns the process into a worker child when EnvEntrypoint is set: it
// serves the named entry point over stdin/stdout and exits. Otherwise it
// returns immediately. Call it first thing in main, after entry points are
// registered.
func Main() {
	locator := os.Getenv(EnvEntrypoint)
	if locator == "" {
		return
	}

	// The original stdout carries frames. Anything the entry point prints
	// through os.Stdout lands on stderr instead.
	frames := os.Stdout
	os.Stdout = os.Stderr
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ServeStdio(ctx, Default, locator, os.Stdin, frames); err != nil {
		slog.Error("worker child exited", "locator", locator, "error", err)
		stop()
		os.Exit(1)
	}
	stop()
	os.Exit(0)
}

// ServeStdio serves the entry point named by locator over r and w until r
// reaches end of stream or ctx ends.
func ServeStdio(ctx context.Context, reg *Registry, locator string, r io.Reader, w io.Writer) error {
	b, err := reg.Lookup(locator)
	if err != nil {
		return err
	}

	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	conn := protocol.NewStreamConn(r, w, closer)
	defer conn.Close()

	if err := b.Serve(ctx, conn); err != nil {
		return fmt.Errorf("serve %q: %w", locator, err)
	}
	return nil
}
