package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/transport"
)

// DefaultPollInterval is how often the poll wait strategy re-checks the busy flag.
const DefaultPollInterval = 10 * time.Millisecond

// WaitStrategy selects how Run waits for the response.
type WaitStrategy string

const (
	// WaitNotify wakes the caller as soon as the response is recorded.
	WaitNotify WaitStrategy = "notify"

	// WaitPoll re-checks the busy flag on a fixed interval.
	WaitPoll WaitStrategy = "poll"
)

// OverlapPolicy selects what Run does when a call is already in flight.
type OverlapPolicy string

const (
	// OverlapReject fails the second call with ErrBusy.
	OverlapReject OverlapPolicy = "reject"

	// OverlapQueue makes the second call wait for the first to finish.
	OverlapQueue OverlapPolicy = "queue"
)

// ParseWaitStrategy converts a configuration string into a WaitStrategy.
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch WaitStrategy(s) {
	case WaitNotify, WaitPoll:
		return WaitStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown wait strategy %q", s)
	}
}

// ParseOverlapPolicy converts a configuration string into an OverlapPolicy.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch OverlapPolicy(s) {
	case OverlapReject, OverlapQueue:
		return OverlapPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q", s)
	}
}

type options struct {
	registry     *entrypoint.Registry
	launcher     transport.Launcher
	kindName     string
	wait         WaitStrategy
	pollInterval time.Duration
	overlap      OverlapPolicy
	logger       *slog.Logger
	recorder     Recorder
}

// Option configures a Definition or a Handle.
type Option func(*options)

// WithRegistry sets the entry-point registry bindings are added to and
// in-process workers resolve against. The default is entrypoint.Default.
func WithRegistry(reg *entrypoint.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLauncher sets how isolated contexts are started and the transport kind
// reported for them. The default hosts each context on a goroutine.
func WithLauncher(kind string, l transport.Launcher) Option {
	return func(o *options) {
		o.kindName = kind
		o.launcher = l
	}
}

// WithWaitStrategy selects how Run waits for completion.
func WithWaitStrategy(s WaitStrategy) Option {
	return func(o *options) { o.wait = s }
}

// WithPollInterval sets the poll strategy's interval. It implies WaitPoll.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.wait = WaitPoll
		o.pollInterval = d
	}
}

// WithOverlapPolicy selects what a second concurrent Run does.
func WithOverlapPolicy(p OverlapPolicy) Option {
	return func(o *options) { o.overlap = p }
}

// WithLogger sets the logger handles write lifecycle events to.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder journals handle state and every call.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func buildOptions(opts []Option) options {
	o := options{
		wait:         WaitNotify,
		pollInterval: DefaultPollInterval,
		overlap:      OverlapReject,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = entrypoint.Default
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.launcher == nil {
		o.kindName = model.TransportInProcess
		o.launcher = &transport.InProcess{Registry: o.registry, Logger: o.logger}
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	return o
}

// kind reports the transport kind handles are launched with.
func (o options) kind() string {
	if o.kindName == "" {
		return "custom"
	}
	return o.kindName
}
