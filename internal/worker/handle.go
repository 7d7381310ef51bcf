package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/protocol"
	"github.com/seantiz/offload/internal/transport"
)

// recordTimeout bounds each journal write.
const recordTimeout = 5 * time.Second

// call is one request awaiting its response.
type call struct {
	id      string
	started time.Time
	done    chan struct{} // closed once resp is recorded
	resp    protocol.Message
}

// Handle is the caller-side object for one isolated worker context. At most
// one call is in flight at a time.
type Handle[TIn, TOut any] struct {
	id      string
	locator string
	tr      transport.Transport
	opts    options
	logger  *slog.Logger

	// slot holds a token while a call is in flight.
	slot chan struct{}
	busy atomic.Bool

	mu      sync.Mutex
	recMu   sync.Mutex // orders journal writes of state transitions
	state   string
	pending *call
	last    protocol.Message
	hasLast bool
	calls   int
	reason  error

	closed    chan struct{}
	closeOnce sync.Once
}

func newHandle[TIn, TOut any](locator string, tr transport.Transport, o options) *Handle[TIn, TOut] {
	id := model.NewID()
	h := &Handle[TIn, TOut]{
		id:      id,
		locator: locator,
		tr:      tr,
		opts:    o,
		logger:  o.logger.With("handle_id", id, "locator", locator),
		slot:    make(chan struct{}, 1),
		state:   model.StateIdle,
		closed:  make(chan struct{}),
	}
	return h
}

// start begins inbound delivery and transport supervision.
func (h *Handle[TIn, TOut]) start() {
	activeHandles.Inc()
	h.tr.SetHandler(h.receive)
	go h.watch()
}

// ID returns the handle's unique identifier.
func (h *Handle[TIn, TOut]) ID() string {
	return h.id
}

// Locator returns the entry point the handle is bound to.
func (h *Handle[TIn, TOut]) Locator() string {
	return h.locator
}

// Run sends in to the worker and blocks until its output is available.
func (h *Handle[TIn, TOut]) Run(ctx context.Context, in TIn) (TOut, error) {
	var zero TOut
	payload, err := json.Marshal(in)
	if err != nil {
		return zero, fmt.Errorf("encode input: %w", err)
	}

	raw, err := h.RunJSON(ctx, payload)
	if err != nil {
		return zero, err
	}

	var out TOut
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode output: %w", err)
	}
	return out, nil
}

// RunJSON is Run for callers holding an already encoded input.
func (h *Handle[TIn, TOut]) RunJSON(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	c, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	h.record(func(ctx context.Context, r Recorder) error {
		return r.InsertCall(ctx, &model.CallRecord{
			ID:        c.id,
			HandleID:  h.id,
			Outcome:   model.OutcomePending,
			Input:     payload,
			StartedAt: c.started,
		})
	})

	h.logger.Debug("sending request", "request_id", c.id)
	if err := h.tr.Send(ctx, protocol.Request(c.id, payload)); err != nil {
		outcome := model.OutcomeAbandoned
		if ctx.Err() == nil {
			outcome = model.OutcomeOrphaned
		}
		h.release(c)
		h.finish(c, outcome, nil, err.Error())
		select {
		case <-h.tr.Done():
			h.transportStopped()
		default:
		}
		if reason := h.stopReason(); reason != nil {
			return nil, reason
		}
		return nil, fmt.Errorf("send request: %w", err)
	}

	if err := h.await(ctx, c); err != nil {
		if errors.Is(err, ctx.Err()) {
			// Abandoned: free the slot now; the late response is dropped by ID.
			h.release(c)
			h.logger.Info("call abandoned", "request_id", c.id, "error", err)
			h.finish(c, model.OutcomeAbandoned, nil, err.Error())
			return nil, err
		}
		h.finish(c, model.OutcomeOrphaned, nil, err.Error())
		return nil, err
	}

	resp := c.resp
	if resp.Type == protocol.TypeFailure {
		h.finish(c, model.OutcomeFailed, nil, resp.Error)
		return nil, &RemoteError{Locator: h.locator, RequestID: c.id, Reason: resp.Error}
	}
	h.finish(c, model.OutcomeSucceeded, resp.Payload, "")
	return resp.Payload, nil
}

// begin claims the call slot according to the overlap policy and marks the
// handle busy before anything is sent, so a fast response always finds its call.
func (h *Handle[TIn, TOut]) begin(ctx context.Context) (*call, error) {
	select {
	case <-h.closed:
		return nil, h.stopReason()
	default:
	}

	switch h.opts.overlap {
	case OverlapQueue:
		select {
		case h.slot <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed:
			return nil, h.stopReason()
		}
	default:
		select {
		case h.slot <- struct{}{}:
		default:
			busyRejections.WithLabelValues(h.locator).Inc()
			return nil, ErrBusy
		}
	}

	h.mu.Lock()
	if h.state == model.StateTerminated {
		h.mu.Unlock()
		<-h.slot
		return nil, h.stopReason()
	}
	c := &call{id: model.NewID(), started: time.Now(), done: make(chan struct{})}
	h.pending = c
	h.calls++
	h.state = model.StateBusy
	h.busy.Store(true)
	h.unlockAndRecord(model.StateBusy)
	return c, nil
}

// receive is the inbound handler. It records the response for the call in
// flight and drops anything else.
func (h *Handle[TIn, TOut]) receive(msg protocol.Message) {
	if !msg.IsResponse() {
		h.logger.Warn("dropping unexpected frame", "type", msg.Type)
		return
	}

	h.mu.Lock()
	c := h.pending
	if h.state == model.StateTerminated || c == nil || c.id != msg.ID {
		h.mu.Unlock()
		droppedResponses.Inc()
		h.logger.Debug("dropping stale response", "request_id", msg.ID)
		return
	}
	h.last = msg
	h.hasLast = true
	c.resp = msg
	h.settleLocked()
	close(c.done)
	h.unlockAndRecord(model.StateIdle)
}

// release frees the slot held by c if c is still the call in flight.
func (h *Handle[TIn, TOut]) release(c *call) {
	h.mu.Lock()
	if h.pending != c || h.state == model.StateTerminated {
		h.mu.Unlock()
		return
	}
	h.settleLocked()
	h.unlockAndRecord(model.StateIdle)
}

// settleLocked returns the handle to idle. h.mu must be held.
func (h *Handle[TIn, TOut]) settleLocked() {
	h.pending = nil
	h.state = model.StateIdle
	h.busy.Store(false)
	<-h.slot
}

// IsBusy reports whether a call is in flight. It never blocks and is false
// once the handle is terminated.
func (h *Handle[TIn, TOut]) IsBusy() bool {
	return h.busy.Load()
}

// State reports idle, busy, or terminated.
func (h *Handle[TIn, TOut]) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Calls reports how many calls have been started on the handle.
func (h *Handle[TIn, TOut]) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// LastResult returns the output of the most recently recorded response. The
// boolean is false when nothing was recorded yet or the last call failed.
func (h *Handle[TIn, TOut]) LastResult() (TOut, bool) {
	var out TOut
	h.mu.Lock()
	last, ok := h.last, h.hasLast
	h.mu.Unlock()

	if !ok || last.Type != protocol.TypeResult {
		return out, false
	}
	if err := json.Unmarshal(last.Payload, &out); err != nil {
		return out, false
	}
	return out, true
}

// Done is closed once the handle is terminated, by Terminate or because its
// transport stopped.
func (h *Handle[TIn, TOut]) Done() <-chan struct{} {
	return h.closed
}

// Terminate stops the worker context. A call in flight fails with
// ErrTerminated and its response is never delivered. Later calls fail fast.
func (h *Handle[TIn, TOut]) Terminate() error {
	if !h.shutdown(ErrTerminated) {
		return nil
	}
	h.logger.Info("terminating worker")
	if err := h.tr.Terminate(); err != nil {
		return fmt.Errorf("terminate transport: %w", err)
	}
	return nil
}

// watch moves the handle to terminated when the transport stops on its own.
func (h *Handle[TIn, TOut]) watch() {
	select {
	case <-h.tr.Done():
		h.transportStopped()
	case <-h.closed:
	}
}

func (h *Handle[TIn, TOut]) transportStopped() {
	reason := ErrTransportClosed
	if err := h.tr.Err(); err != nil && !errors.Is(err, transport.ErrTerminated) {
		reason = fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	if h.shutdown(reason) {
		h.logger.Warn("worker transport stopped", "error", h.tr.Err())
	}
}

// shutdown moves the handle to terminated with the given reason. It reports
// whether this call did the transition.
func (h *Handle[TIn, TOut]) shutdown(reason error) bool {
	first := false
	h.closeOnce.Do(func() {
		first = true
		h.mu.Lock()
		h.state = model.StateTerminated
		h.reason = reason
		h.pending = nil
		h.busy.Store(false)
		close(h.closed)
		activeHandles.Dec()
		h.unlockAndRecord(model.StateTerminated)
	})
	return first
}

// stopReason reports why the handle was terminated.
func (h *Handle[TIn, TOut]) stopReason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// finish updates metrics and the journal for a completed call.
func (h *Handle[TIn, TOut]) finish(c *call, outcome string, output []byte, errMsg string) {
	elapsed := time.Since(c.started)
	callsTotal.WithLabelValues(h.locator, outcome).Inc()
	callDuration.WithLabelValues(h.locator).Observe(elapsed.Seconds())
	h.logger.Debug("call finished", "request_id", c.id, "outcome", outcome, "duration_ms", elapsed.Milliseconds())

	h.record(func(ctx context.Context, r Recorder) error {
		return r.FinishCall(ctx, c.id, outcome, output, errMsg, int(elapsed.Milliseconds()))
	})
}

// unlockAndRecord releases h.mu and journals the state just entered. Journal
// writes land in the order the transitions happened.
func (h *Handle[TIn, TOut]) unlockAndRecord(state string) {
	h.recMu.Lock()
	h.mu.Unlock()
	defer h.recMu.Unlock()
	h.recordState(state)
}

func (h *Handle[TIn, TOut]) recordState(state string) {
	h.record(func(ctx context.Context, r Recorder) error {
		return r.UpdateHandleState(ctx, h.id, state)
	})
}

// record runs fn against the recorder, if any, logging failures.
func (h *Handle[TIn, TOut]) record(fn func(context.Context, Recorder) error) {
	if h.opts.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx, h.opts.recorder); err != nil {
		h.logger.Error("journal write failed", "error", err)
	}
}
