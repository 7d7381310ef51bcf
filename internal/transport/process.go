package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/protocol"
)

// Process runs each worker context as a child process. By default the child
// is the current executable, which must call entrypoint.Main early in main so
// it serves the requested entry point instead of running normally.
type Process struct {
	// Path is the binary to execute. Empty means os.Executable().
	Path string

	// Args are passed to the child after the program name.
	Args []string

	// Env is appended to the parent's environment.
	Env []string

	// Stderr receives the child's log output. Nil means os.Stderr.
	Stderr io.Writer

	Logger *slog.Logger
}

// Launch starts a child process serving locator over its stdin and stdout.
func (l *Process) Launch(ctx context.Context, locator string) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	// Dedicated pipes rather than cmd.StdoutPipe: Wait must not close the
	// read side while the conduit is still draining it.
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(append(os.Environ(), l.Env...), entrypoint.EnvEntrypoint+"="+locator)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		childIn.Close()
		childOut.Close()
		parentIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	// The child holds its own copies now.
	childIn.Close()
	childOut.Close()

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := cmd.Wait()
		logger.Debug("worker process exited", "locator", locator, "pid", cmd.Process.Pid, "error", err)
	}()

	conn := protocol.NewStreamConn(parentIn, parentOut, multiCloser{parentOut, parentIn})
	stop := func() error {
		select {
		case <-exited:
			return nil
		default:
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill worker process: %w", err)
		}
		<-exited
		return nil
	}

	logger.Info("worker process started", "locator", locator, "pid", cmd.Process.Pid)
	launchDuration.WithLabelValues(model.TransportProcess).Observe(time.Since(start).Seconds())
	return NewConduit(model.TransportProcess, conn, stop, logger), nil
}

// multiCloser closes every closer, returning the first error.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
