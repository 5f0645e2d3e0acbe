package board

import (
	"context"
	"time"
)

// the secondary live-position channel. purely a latency optimization for
// high-frequency drag broadcast between clients; the object store write at
// drag/transform end remains the source of truth.
//
// position writes are best effort and non-fatal on failure. they are never
// issued under a temporary object id: nothing would ever reconcile a
// temporary-id key in a store the optimistic create manager does not manage.

type PositionUpdate struct {
	ObjectId   string    `json:"objectId"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	UpdateTime time.Time `json:"updateTime"`
	Deleted    bool      `json:"deleted,omitempty"`
}

type PositionFunction = func(update *PositionUpdate)

type PresenceChannel interface {
	SetPosition(ctx context.Context, update *PositionUpdate) error

	DeletePosition(ctx context.Context, objectId string) error

	// returns the unsubscribe function
	SubscribePositions(callback PositionFunction) func()
}
