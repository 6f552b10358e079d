package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
)

// EscrowContractsTable is the relational table holding contract rows.
const EscrowContractsTable = "escrow_contracts"

// SyncedContractStore persists escrow contracts through the SyncManager, so every write is an
// optimistic local change reconciled in the background.
type SyncedContractStore struct {
	sync     *SyncManager
	interval time.Duration
}

var _ port.ContractStore = (*SyncedContractStore)(nil)

// NewSyncedContractStore constructs the store. interval <= 0 uses the manager default.
func NewSyncedContractStore(manager *SyncManager, interval time.Duration) *SyncedContractStore {
	return &SyncedContractStore{sync: manager, interval: interval}
}

// ContractKey returns the resource key of a contract row.
func ContractKey(contractID string) domain.ResourceKey {
	return domain.ResourceKey{Table: EscrowContractsTable, ID: contractID}
}

func (s *SyncedContractStore) ensure(contractID string) (domain.ResourceKey, error) {
	key := ContractKey(contractID)
	err := s.sync.EnsureSync(domain.SyncTarget{
		Key:      key,
		Policy:   domain.ConflictMerge,
		Interval: s.interval,
		Merge:    mergeContractFields,
	})
	return key, err
}

// Create queues the insert of a new contract.
func (s *SyncedContractStore) Create(_ context.Context, contract domain.EscrowContract) error {
	return s.queue(contract, domain.MutationInsert)
}

// Load returns the local view of the contract, reading through to the store on first access.
// Targets for missing contracts are stopped again, and closed contracts are released once
// their pending writes are acknowledged.
func (s *SyncedContractStore) Load(ctx context.Context, contractID string) (*domain.EscrowContract, error) {
	key, err := s.ensure(contractID)
	if err != nil {
		return nil, err
	}
	view, err := s.sync.Get(ctx, key)
	if err != nil {
		s.sync.StopIfIdle(key)
		return nil, err
	}
	if !view.Exists {
		s.sync.StopIfIdle(key)
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, contractID)
	}
	contract, err := contractFromFields(view.Fields)
	if err != nil {
		return nil, err
	}
	if contract.Closed() {
		_ = s.sync.ReleaseWhenIdle(key)
	}
	return contract, nil
}

// Save queues the full contract as an update.
func (s *SyncedContractStore) Save(_ context.Context, contract domain.EscrowContract) error {
	return s.queue(contract, domain.MutationUpdate)
}

// queue retries once when the target was released between ensure and enqueue.
func (s *SyncedContractStore) queue(contract domain.EscrowContract, op domain.MutationOp) error {
	fields, err := contractToFields(contract)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		key, err := s.ensure(contract.ID)
		if err != nil {
			return err
		}
		_, err = s.sync.QueueLocalChange(key, op, fields)
		if errors.Is(err, ErrTargetNotFound) && attempt == 0 {
			continue
		}
		if err != nil {
			return err
		}
		if contract.Closed() {
			_ = s.sync.ReleaseWhenIdle(key)
		}
		return nil
	}
}

// Status returns the sync status of the contract row.
func (s *SyncedContractStore) Status(contractID string) (domain.SyncStatus, error) {
	return s.sync.GetSyncStatus(ContractKey(contractID))
}

func contractToFields(c domain.EscrowContract) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode contract: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode contract: %w", err)
	}
	return fields, nil
}

func contractFromFields(fields map[string]any) (*domain.EscrowContract, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	var c domain.EscrowContract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	if c.ID == "" {
		return nil, errors.New("decode contract: missing id")
	}
	return &c, nil
}

var milestoneRank = map[domain.MilestoneStatus]int{
	domain.MilestonePending:  0,
	domain.MilestoneRejected: 1,
	domain.MilestoneApproved: 2,
	domain.MilestoneReleased: 3,
}

var contractRank = map[domain.ContractStatus]int{
	domain.ContractDraft:      0,
	domain.ContractFunded:     1,
	domain.ContractInProgress: 2,
	domain.ContractDisputed:   3,
	domain.ContractCancelled:  4,
	domain.ContractCompleted:  5,
}

// localStatusWins compares contract progress. disputed and in_progress move both ways, so
// between the two the more recent write wins.
func localStatusWins(l, s *domain.EscrowContract) bool {
	if reversible(l.Status) && reversible(s.Status) && l.Status != s.Status {
		return l.UpdatedAt.After(s.UpdatedAt)
	}
	return contractRank[l.Status] > contractRank[s.Status]
}

func reversible(status domain.ContractStatus) bool {
	return status == domain.ContractDisputed || status == domain.ContractInProgress
}

// mergeContractFields keeps whichever side is further along for every milestone and for the
// contract itself. Money that has moved is never rolled back by a concurrent writer.
func mergeContractFields(local, server map[string]any) map[string]any {
	l, errL := contractFromFields(local)
	s, errS := contractFromFields(server)
	switch {
	case errL != nil && errS != nil:
		return local
	case errL != nil:
		return server
	case errS != nil:
		return local
	}

	merged := *s
	byID := make(map[string]domain.Milestone, len(l.Milestones))
	for _, m := range l.Milestones {
		byID[m.ID] = m
	}
	merged.Milestones = make([]domain.Milestone, len(s.Milestones))
	for i, sm := range s.Milestones {
		merged.Milestones[i] = sm
		if lm, ok := byID[sm.ID]; ok && milestoneRank[lm.Status] > milestoneRank[sm.Status] {
			merged.Milestones[i] = lm
		}
	}

	if localStatusWins(l, s) {
		merged.Status = l.Status
		merged.CompletedAt = l.CompletedAt
	}
	if merged.PaymentIntentID == "" {
		merged.PaymentIntentID = l.PaymentIntentID
		merged.FundedAt = l.FundedAt
	}
	if merged.AllReleased() {
		merged.Status = domain.ContractCompleted
		if merged.CompletedAt == nil {
			merged.CompletedAt = l.CompletedAt
		}
	}
	if l.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = l.UpdatedAt
	}

	fields, err := contractToFields(merged)
	if err != nil {
		return local
	}
	return fields
}
