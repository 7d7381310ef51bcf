package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Run when a call is already in flight and the
	// handle uses the reject overlap policy.
	ErrBusy = errors.New("worker is busy")

	// ErrTerminated is returned by Run once Terminate has been called.
	ErrTerminated = errors.New("worker terminated")

	// ErrTransportClosed is returned when the worker context went away
	// without Terminate, for example a crashed child process.
	ErrTransportClosed = errors.New("worker transport closed")
)

// RemoteError reports that the worker answered a request with a failure.
type RemoteError struct {
	Locator   string
	RequestID string
	Reason    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s: request %s failed: %s", e.Locator, e.RequestID, e.Reason)
}
