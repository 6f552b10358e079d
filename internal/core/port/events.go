package port

import (
	"context"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

// EventPublisher publishes domain events to the message bus.
type EventPublisher interface {
	PublishEscrowUpdated(ctx context.Context, event domain.EscrowUpdatedEvent) error
	PublishPaymentUpdated(ctx context.Context, event domain.PaymentUpdatedEvent) error
}
