package port

import (
	"context"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

// PresenceChannel subscribes to room presence on the pub/sub provider.
type PresenceChannel interface {
	Subscribe(ctx context.Context, room string) (PresenceSubscription, error)
}

// PresenceSubscription is one live room subscription.
//
// Events is closed when the subscription ends; Err then reports why (nil after Close).
// The first event delivered is a PresenceSync snapshot of the room.
type PresenceSubscription interface {
	Events() <-chan domain.PresenceEvent
	Track(ctx context.Context, record domain.PresenceRecord) error
	Untrack(ctx context.Context, principalID string) error
	Err() error
	Close() error
}
