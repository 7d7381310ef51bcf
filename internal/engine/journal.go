package engine

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/store"
	"github.com/seantiz/offload/internal/worker"
)

// Compile-time interface satisfaction check.
var _ worker.Recorder = (*journal)(nil)

// journal dual-writes: persist to the store for history, then publish to the
// broker for live subscribers.
type journal struct {
	store  store.Store
	broker *EventBroker

	mu      sync.Mutex
	pending map[string]string // request ID -> handle ID
}

func newJournal(s store.Store, b *EventBroker) *journal {
	return &journal{store: s, broker: b, pending: make(map[string]string)}
}

func (j *journal) CreateHandle(ctx context.Context, h *model.HandleRecord) error {
	return j.store.CreateHandle(ctx, h)
}

func (j *journal) UpdateHandleState(ctx context.Context, id, state string) error {
	err := j.store.UpdateHandleState(ctx, id, state)
	j.broker.Publish(Event{Type: EventState, HandleID: id, State: state, Time: time.Now().UTC()})
	if state == model.StateTerminated {
		j.broker.Close(id)
	}
	return err
}

func (j *journal) InsertCall(ctx context.Context, c *model.CallRecord) error {
	j.mu.Lock()
	j.pending[c.ID] = c.HandleID
	j.mu.Unlock()

	err := j.store.InsertCall(ctx, c)
	j.broker.Publish(Event{Type: EventCall, HandleID: c.HandleID, RequestID: c.ID, Outcome: model.OutcomePending, Time: c.StartedAt})
	return err
}

func (j *journal) FinishCall(ctx context.Context, id, outcome string, output []byte, errMsg string, durationMS int) error {
	j.mu.Lock()
	handleID, ok := j.pending[id]
	delete(j.pending, id)
	j.mu.Unlock()

	err := j.store.FinishCall(ctx, id, outcome, output, errMsg, durationMS)
	if ok {
		j.broker.Publish(Event{Type: EventFinished, HandleID: handleID, RequestID: id, Outcome: outcome, Error: errMsg, Time: time.Now().UTC()})
	}
	return err
}
