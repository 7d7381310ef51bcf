package worker

import (
	"context"

	"github.com/seantiz/offload/internal/model"
)

// Recorder journals handles and their calls. Recording failures are logged
// and never fail the call itself.
type Recorder interface {
	CreateHandle(ctx context.Context, h *model.HandleRecord) error
	UpdateHandleState(ctx context.Context, id, state string) error
	InsertCall(ctx context.Context, c *model.CallRecord) error
	FinishCall(ctx context.Context, id, outcome string, output []byte, errMsg string, durationMS int) error
}
