package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
)

// Sandbox is an in-process processor for development. It confirms every request and answers
// repeated idempotency keys with the first result.
type Sandbox struct {
	mu      sync.Mutex
	results map[string]port.PaymentResult
}

var _ port.PaymentProcessor = (*Sandbox)(nil)

func NewSandbox() *Sandbox {
	return &Sandbox{results: make(map[string]port.PaymentResult)}
}

func (s *Sandbox) FundIntent(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
	return s.settle(ctx, "pi_", req)
}

func (s *Sandbox) ReleaseFunds(ctx context.Context, req port.PaymentRequest) (*port.PaymentResult, error) {
	return s.settle(ctx, "tr_", req)
}

func (s *Sandbox) settle(ctx context.Context, prefix string, req port.PaymentRequest) (*port.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" || req.Amount <= 0 {
		return nil, fmt.Errorf("%w: idempotency key and positive amount are required", ErrRejected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.results[req.IdempotencyKey]; ok {
		out := prev
		return &out, nil
	}
	res := port.PaymentResult{ProcessorRef: prefix + uuid.NewString(), Status: domain.TransactionSucceeded}
	s.results[req.IdempotencyKey] = res
	return &res, nil
}
