package activity

import (
	"context"

	"grimm.is/outpost/internal/protocol"
)

// API is the execution boundary a Session drives.
type API interface {
	CreateActivity(ctx context.Context, agreementID string) (string, error)
	Exec(ctx context.Context, activityID string, commands []protocol.Command) (string, error)
	Attach(ctx context.Context, activityID, batchID string) (EventStream, error)
	Wait(ctx context.Context, activityID, batchID string) (protocol.BatchResult, error)
	State(ctx context.Context, activityID string) (protocol.ActivityState, error)
	Destroy(ctx context.Context, activityID string) error
}

// EventStream is a lazy, non-restartable sequence of runtime events.
// Next returns io.EOF once the provider has sent the last event.
type EventStream interface {
	Next(ctx context.Context) (protocol.RuntimeEvent, error)
	Close() error
}
