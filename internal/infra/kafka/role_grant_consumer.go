package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

// GrantRefresher reloads the cached grants of a principal.
type GrantRefresher interface {
	Refresh(ctx context.Context, principalID string) ([]domain.RoleGrant, error)
	Invalidate(principalID string)
}

type roleGrantPayload struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Op        string    `json:"op"`
	ChangedAt time.Time `json:"changed_at"`
}

// RoleGrantConsumer keeps the permission cache current when user_roles rows change elsewhere.
type RoleGrantConsumer struct {
	engine GrantRefresher
	logger *zap.Logger
}

func NewRoleGrantConsumer(engine GrantRefresher, logger *zap.Logger) *RoleGrantConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleGrantConsumer{engine: engine, logger: logger}
}

func (c *RoleGrantConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return fmt.Errorf("decode role change envelope: %w", err)
	}
	var payload roleGrantPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("decode role change payload: %w", err)
	}
	op, err := domain.ParseMutationOp(payload.Op)
	if err != nil {
		return fmt.Errorf("decode role change: %w", err)
	}

	principal := payload.UserID
	if principal == "" {
		principal = envelope.UserID
	}
	return c.HandleEvent(ctx, domain.RoleGrantChangedEvent{
		EventID:     envelope.EventID,
		PrincipalID: principal,
		Role:        payload.Role,
		Op:          op,
		ChangedAt:   payload.ChangedAt,
	})
}

// HandleEvent reloads the principal's grants. A failed reload drops the cached entry so the next
// check fails closed instead of serving a stale grant set.
func (c *RoleGrantConsumer) HandleEvent(ctx context.Context, event domain.RoleGrantChangedEvent) error {
	if c.engine == nil || event.PrincipalID == "" {
		return nil
	}
	if _, err := c.engine.Refresh(ctx, event.PrincipalID); err != nil {
		c.engine.Invalidate(event.PrincipalID)
		c.logger.Warn("refresh grants after role change failed",
			zap.String("principal_id", event.PrincipalID),
			zap.String("role", event.Role),
			zap.Error(err),
		)
		return fmt.Errorf("refresh grants for %s: %w", event.PrincipalID, err)
	}
	return nil
}

var _ interface {
	HandleMessage(context.Context, *sarama.ConsumerMessage) error
	HandleEvent(context.Context, domain.RoleGrantChangedEvent) error
} = (*RoleGrantConsumer)(nil)
