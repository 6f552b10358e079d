package port

import (
	"context"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

// PaymentRequest asks the processor to move money. IdempotencyKey is forwarded verbatim.
type PaymentRequest struct {
	IdempotencyKey   string
	ContractID       string
	MilestoneID      string
	Amount           int64
	Currency         string
	Description      string
	PaymentMethodRef string
	PaymentIntentID  string
	DestinationRef   string
}

// PaymentResult is the processor's answer. Only TransactionSucceeded is a confirmed success.
type PaymentResult struct {
	ProcessorRef string
	Status       domain.TransactionStatus
}

// PaymentProcessor is the external payment provider.
type PaymentProcessor interface {
	FundIntent(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	ReleaseFunds(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
}
