package usecase

import "errors"

var (
	// ErrPermissionDenied indicates the actor lacks required permissions.
	ErrPermissionDenied = errors.New("insufficient permissions")
	// ErrNotContractParty indicates the actor is neither client nor auditor of the contract.
	ErrNotContractParty = errors.New("actor is not a party to the contract")

	// ErrInvalidTarget is returned for malformed sync targets or resource keys.
	ErrInvalidTarget = errors.New("invalid sync target")
	// ErrTargetActive is returned when a target is already being synchronized.
	ErrTargetActive = errors.New("sync target already active")
	// ErrTargetNotFound is returned for operations on a target that is not active.
	ErrTargetNotFound = errors.New("sync target not found")

	// ErrNotJoined is returned for presence operations on a room the session has not joined.
	ErrNotJoined = errors.New("room not joined")
	// ErrAlreadyJoined is returned when joining a room twice.
	ErrAlreadyJoined = errors.New("room already joined")

	// ErrInvalidContract indicates the contract input fails validation.
	ErrInvalidContract = errors.New("invalid escrow contract")
	// ErrContractNotFound indicates the contract does not exist.
	ErrContractNotFound = errors.New("escrow contract not found")
	// ErrMilestoneNotFound indicates the milestone index is out of range.
	ErrMilestoneNotFound = errors.New("milestone not found")
	// ErrMilestoneNotApproved indicates a release was attempted before approval.
	ErrMilestoneNotApproved = errors.New("milestone is not approved")
	// ErrInvalidTransition indicates the requested state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid escrow state transition")
	// ErrPaymentFailed indicates the processor call failed; the operation may be retried.
	ErrPaymentFailed = errors.New("payment processor failed")
	// ErrPaymentPending indicates the processor has not confirmed the operation yet.
	ErrPaymentPending = errors.New("payment not yet confirmed")
)

// ErrInvalidMutation is returned by QueueLocalChange for malformed changes.
var ErrInvalidMutation = errors.New("invalid mutation")

// ErrInvalidPresence is returned for malformed presence records or updates.
var ErrInvalidPresence = errors.New("invalid presence")
