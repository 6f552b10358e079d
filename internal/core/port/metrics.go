package port

import "time"

// SyncMetrics records reconciliation activity. Labels are table names, never row ids.
type SyncMetrics interface {
	SetPending(table string, pending int)
	ObserveReconcile(table string, d time.Duration, err error)
	IncConflict(table, policy string)
	IncDropped(table, reason string)
}

// PresenceMetrics records room activity.
type PresenceMetrics interface {
	SetParticipants(room string, count int)
	IncSubscriptionFailure(reason string)
}

// EscrowMetrics records escrow and payment outcomes.
type EscrowMetrics interface {
	IncRelease(outcome string)
	IncFunding(outcome string)
	ObserveProcessor(operation string, d time.Duration, err error)
}
