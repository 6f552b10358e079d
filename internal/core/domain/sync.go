package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConflictPolicy selects how a rejected local mutation is resolved against the server value.
type ConflictPolicy string

const (
	ConflictServerWins ConflictPolicy = "server_wins"
	ConflictClientWins ConflictPolicy = "client_wins"
	ConflictMerge      ConflictPolicy = "merge"
)

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictServerWins, ConflictClientWins, ConflictMerge:
		return true
	}
	return false
}

// MutationOp is the kind of row-level change.
type MutationOp string

const (
	MutationInsert MutationOp = "INSERT"
	MutationUpdate MutationOp = "UPDATE"
	MutationDelete MutationOp = "DELETE"
)

// ParseMutationOp normalises op into a MutationOp.
func ParseMutationOp(op string) (MutationOp, error) {
	switch MutationOp(strings.ToUpper(strings.TrimSpace(op))) {
	case MutationInsert:
		return MutationInsert, nil
	case MutationUpdate:
		return MutationUpdate, nil
	case MutationDelete:
		return MutationDelete, nil
	}
	return "", fmt.Errorf("unknown mutation op %q", op)
}

// ResourceKey identifies one row in the relational store.
type ResourceKey struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func (k ResourceKey) String() string {
	return k.Table + ":" + k.ID
}

// Valid reports whether both parts are set.
func (k ResourceKey) Valid() bool {
	return strings.TrimSpace(k.Table) != "" && strings.TrimSpace(k.ID) != ""
}

// Record is the server's view of a row.
type Record struct {
	Key       ResourceKey    `json:"key"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	Deleted   bool           `json:"deleted"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the top-level field map.
func (r Record) Clone() Record {
	r.Fields = CloneFields(r.Fields)
	return r
}

// Mutation is one queued local change.
type Mutation struct {
	Op               MutationOp     `json:"op"`
	Payload          map[string]any `json:"payload"`
	OriginAt         time.Time      `json:"origin_at"`
	IdempotencyToken string         `json:"idempotency_token"`
}

// MergeFunc combines a rejected local payload with the current server fields.
type MergeFunc func(local, server map[string]any) map[string]any

// SyncTarget configures reconciliation for one resource.
type SyncTarget struct {
	Key      ResourceKey
	Policy   ConflictPolicy
	Interval time.Duration
	Merge    MergeFunc
}

// SyncState is the lifecycle state of a target's reconciliation task.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncError   SyncState = "error"
	SyncStopped SyncState = "stopped"
)

// SyncStatus is a point-in-time snapshot of a target.
type SyncStatus struct {
	Key                 ResourceKey `json:"key"`
	State               SyncState   `json:"state"`
	Policy              string      `json:"policy"`
	LastSyncAt          *time.Time  `json:"last_sync_at,omitempty"`
	PendingCount        int         `json:"pending_count"`
	LastError           string      `json:"last_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	NextAttemptAt       *time.Time  `json:"next_attempt_at,omitempty"`
	ServerVersion       int64       `json:"server_version"`
	Stale               bool        `json:"stale"`
}

// LocalView is the optimistic local copy: confirmed server fields overlaid with pending mutations.
type LocalView struct {
	Key           ResourceKey    `json:"key"`
	Fields        map[string]any `json:"fields"`
	Exists        bool           `json:"exists"`
	ServerVersion int64          `json:"server_version"`
	PendingCount  int            `json:"pending_count"`
}

// CloneFields copies a field map one level deep.
func CloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// OverlayFields writes every key of patch over base and returns base.
func OverlayFields(base, patch map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		base[k] = v
	}
	return base
}
