package domain

import "time"

// RowChangeEvent represents a committed change pushed by the relational store's change feed.
type RowChangeEvent struct {
	EventID         string
	Table           string
	Op              MutationOp
	RecordID        string
	Fields          map[string]any
	Version         int64
	CommitTimestamp time.Time
}

// Key returns the resource the event refers to.
func (e RowChangeEvent) Key() ResourceKey {
	return ResourceKey{Table: e.Table, ID: e.RecordID}
}

// RoleGrantChangedEvent represents a change to a principal's row in user_roles.
type RoleGrantChangedEvent struct {
	EventID     string
	PrincipalID string
	Role        string
	Op          MutationOp
	ChangedAt   time.Time
}

// EscrowUpdatedEvent represents the payload for escrow_updates messages.
type EscrowUpdatedEvent struct {
	EventID        string
	ContractID     string
	ActorID        string
	Status         ContractStatus
	MilestoneID    string
	MilestoneState MilestoneStatus
	Action         string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// PaymentUpdatedEvent represents the payload for payment_updates messages.
type PaymentUpdatedEvent struct {
	EventID      string
	ContractID   string
	MilestoneID  string
	Kind         TransactionKind
	Amount       int64
	Currency     string
	ProcessorRef string
	Status       TransactionStatus
	OccurredAt   time.Time
}
