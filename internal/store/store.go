// Package store journals worker handles and their calls.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/offload/internal/model"
)

// ErrInvalidTransition is returned when a handle state or call outcome change is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// Stats holds aggregate handle and call statistics.
type Stats struct {
	Handles            int            `json:"handles"`
	HandlesByState     map[string]int `json:"handles_by_state"`
	HandlesByTransport map[string]int `json:"handles_by_transport"`
	Calls              int            `json:"calls"`
	CallsByOutcome     map[string]int `json:"calls_by_outcome"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for handles and calls.
type Store interface {
	CreateHandle(ctx context.Context, h *model.HandleRecord) error
	GetHandle(ctx context.Context, id string) (*model.HandleRecord, error)
	ListHandles(ctx context.Context, limit, offset int) ([]*model.HandleRecord, int, error)
	UpdateHandleState(ctx context.Context, id, state string) error
	InsertCall(ctx context.Context, c *model.CallRecord) error
	FinishCall(ctx context.Context, id, outcome string, output []byte, errMsg string, durationMS int) error
	ListCalls(ctx context.Context, handleID string) ([]*model.CallRecord, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
