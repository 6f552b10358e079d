package domain

import (
	"errors"
	"fmt"
	"time"
)

// DefaultPlatformFeeBPS is the platform fee in basis points of the contract total.
const DefaultPlatformFeeBPS int64 = 500

// ContractStatus is the lifecycle state of an escrow contract.
type ContractStatus string

const (
	ContractDraft      ContractStatus = "draft"
	ContractFunded     ContractStatus = "funded"
	ContractInProgress ContractStatus = "in_progress"
	ContractCompleted  ContractStatus = "completed"
	ContractDisputed   ContractStatus = "disputed"
	ContractCancelled  ContractStatus = "cancelled"
)

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneApproved MilestoneStatus = "approved"
	MilestoneReleased MilestoneStatus = "released"
	MilestoneRejected MilestoneStatus = "rejected"
)

var (
	// ErrInvalidAmount is returned for non-positive or inconsistent amounts.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrMilestonesExceedTotal is returned when milestone amounts add up to more than the contract total.
	ErrMilestonesExceedTotal = errors.New("escrow: milestone amounts exceed contract total")
	// ErrInvalidTransition is returned for a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("escrow: invalid status transition")
)

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractDraft:      {ContractFunded, ContractCancelled},
	ContractFunded:     {ContractInProgress, ContractCompleted, ContractDisputed, ContractCancelled},
	ContractInProgress: {ContractCompleted, ContractDisputed, ContractCancelled},
	ContractDisputed:   {ContractInProgress, ContractCancelled},
}

var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:  {MilestoneApproved, MilestoneRejected},
	MilestoneApproved: {MilestoneReleased},
}

// CanTransitionContract reports whether from -> to is allowed.
func CanTransitionContract(from, to ContractStatus) bool {
	for _, next := range contractTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionMilestone reports whether from -> to is allowed.
func CanTransitionMilestone(from, to MilestoneStatus) bool {
	for _, next := range milestoneTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Milestone is one payable unit of an engagement. Amount is in minor units.
type Milestone struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Amount      int64           `json:"amount"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	Status      MilestoneStatus `json:"status"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	ReleasedAt  *time.Time      `json:"released_at,omitempty"`
	ReleaseRef  string          `json:"release_ref,omitempty"`
}

// EscrowContract holds funds for an engagement between a client and an auditor.
type EscrowContract struct {
	ID              string         `json:"id"`
	AuditRequestID  string         `json:"audit_request_id,omitempty"`
	ClientID        string         `json:"client_id"`
	AuditorID       string         `json:"auditor_id"`
	TotalAmount     int64          `json:"total_amount"`
	Currency        string         `json:"currency"`
	PlatformFee     int64          `json:"platform_fee"`
	Status          ContractStatus `json:"status"`
	PaymentIntentID string         `json:"payment_intent_id,omitempty"`
	Milestones      []Milestone    `json:"milestones"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	FundedAt        *time.Time     `json:"funded_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// PlatformFee computes the fee for total at bps basis points, rounding half up.
func PlatformFee(total, bps int64) int64 {
	if total <= 0 || bps <= 0 {
		return 0
	}
	return (total*bps + 5000) / 10000
}

// Validate checks amount invariants.
func (c *EscrowContract) Validate() error {
	if c.TotalAmount <= 0 {
		return fmt.Errorf("%w: total must be positive", ErrInvalidAmount)
	}
	if len(c.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone is required", ErrInvalidAmount)
	}
	var sum int64
	for i, m := range c.Milestones {
		if m.Amount <= 0 {
			return fmt.Errorf("%w: milestone %d must be positive", ErrInvalidAmount, i)
		}
		sum += m.Amount
		if sum > c.TotalAmount {
			return ErrMilestonesExceedTotal
		}
	}
	return nil
}

// Transition moves the contract to status to.
func (c *EscrowContract) Transition(to ContractStatus, at time.Time) error {
	if !CanTransitionContract(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = at
	switch to {
	case ContractFunded:
		c.FundedAt = &at
	case ContractCompleted:
		c.CompletedAt = &at
	}
	return nil
}

// Closed reports whether the contract has reached a state it can never leave.
func (c *EscrowContract) Closed() bool {
	return c.Status == ContractCompleted || c.Status == ContractCancelled
}

// AcceptsMilestoneChanges reports whether milestones may be approved or released.
func (c *EscrowContract) AcceptsMilestoneChanges() bool {
	return c.Status == ContractFunded || c.Status == ContractInProgress
}

// AllReleased reports whether every milestone has been paid out.
func (c *EscrowContract) AllReleased() bool {
	if len(c.Milestones) == 0 {
		return false
	}
	for _, m := range c.Milestones {
		if m.Status != MilestoneReleased {
			return false
		}
	}
	return true
}

// ReleasedAmount sums released milestones.
func (c *EscrowContract) ReleasedAmount() int64 {
	var sum int64
	for _, m := range c.Milestones {
		if m.Status == MilestoneReleased {
			sum += m.Amount
		}
	}
	return sum
}

// IsParty reports whether principalID is the client or the auditor.
func (c *EscrowContract) IsParty(principalID string) bool {
	return principalID != "" && (principalID == c.ClientID || principalID == c.AuditorID)
}

// TransactionKind distinguishes ledger entries.
type TransactionKind string

const (
	TransactionFunding TransactionKind = "funding"
	TransactionRelease TransactionKind = "release"
)

// TransactionStatus mirrors the processor's outcome.
type TransactionStatus string

const (
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionPending   TransactionStatus = "pending"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is a ledger entry for money moved by the payment processor.
type Transaction struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Kind           TransactionKind   `json:"kind"`
	ContractID     string            `json:"contract_id"`
	MilestoneID    string            `json:"milestone_id,omitempty"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	ProcessorRef   string            `json:"processor_ref"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// FundingKey is the processor idempotency key for funding a contract.
func FundingKey(contractID string) string {
	return "contract-fund:" + contractID
}

// ReleaseKey is the processor idempotency key for releasing a milestone.
func ReleaseKey(milestoneID string) string {
	return "milestone-release:" + milestoneID
}
