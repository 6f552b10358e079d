package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

// Authorizer answers pure permission lookups.
type Authorizer interface {
	HasPermission(principalID, permission string) bool
}

// MilestoneInput describes one milestone of a new contract.
type MilestoneInput struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=4000"`
	Amount      int64      `json:"amount" validate:"gt=0"`
	Deadline    *time.Time `json:"deadline"`
}

// CreateContractInput captures the payload for creating an escrow contract. Amounts are minor units.
type CreateContractInput struct {
	AuditRequestID string           `json:"audit_request_id" validate:"omitempty,max=64"`
	AuditorID      string           `json:"auditor_id" validate:"required"`
	TotalAmount    int64            `json:"total_amount" validate:"gt=0"`
	Currency       string           `json:"currency" validate:"omitempty,currency"`
	Milestones     []MilestoneInput `json:"milestones" validate:"required,min=1,max=50,dive"`
}

// ReleaseResult is returned by ReleaseMilestone. Repeated releases of the same milestone
// return identical results.
type ReleaseResult struct {
	ContractID     string                `json:"contract_id"`
	ContractStatus domain.ContractStatus `json:"contract_status"`
	Milestone      domain.Milestone      `json:"milestone"`
	ProcessorRef   string                `json:"processor_ref"`
}

// ContractStatusView summarises a contract for display.
type ContractStatusView struct {
	Contract        domain.EscrowContract `json:"contract"`
	ReleasedAmount  int64                 `json:"released_amount"`
	RemainingAmount int64                 `json:"remaining_amount"`
	PlatformFee     int64                 `json:"platform_fee"`
	TotalDue        int64                 `json:"total_due"`
	Sync            *domain.SyncStatus    `json:"sync,omitempty"`
}

// EscrowConfig tunes the escrow service.
type EscrowConfig struct {
	PlatformFeeBPS  int64
	DefaultCurrency string
}

// EscrowService runs the escrow state machine.
type EscrowService struct {
	contracts port.ContractStore
	authz     Authorizer
	processor port.PaymentProcessor
	ledger    port.TransactionLedger
	events    port.EventPublisher
	metrics   port.EscrowMetrics
	logger    *zap.Logger
	now       func() time.Time
	cfg       EscrowConfig
	locks     *keyedMutex
}

// NewEscrowService constructs an EscrowService.
func NewEscrowService(
	contracts port.ContractStore,
	authz Authorizer,
	processor port.PaymentProcessor,
	ledger port.TransactionLedger,
	cfg EscrowConfig,
	logger *zap.Logger,
) *EscrowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PlatformFeeBPS < 0 {
		cfg.PlatformFeeBPS = 0
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &EscrowService{
		contracts: contracts,
		authz:     authz,
		processor: processor,
		ledger:    ledger,
		logger:    logger,
		now:       time.Now,
		cfg:       cfg,
		locks:     newKeyedMutex(),
	}
}

// WithEventPublisher attaches an event publisher for escrow and payment updates.
func (s *EscrowService) WithEventPublisher(events port.EventPublisher) *EscrowService {
	s.events = events
	return s
}

// WithMetrics attaches a metrics recorder.
func (s *EscrowService) WithMetrics(metrics port.EscrowMetrics) *EscrowService {
	s.metrics = metrics
	return s
}

// WithClock overrides the service clock.
func (s *EscrowService) WithClock(now func() time.Time) *EscrowService {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateContract creates a draft contract owned by clientID.
func (s *EscrowService) CreateContract(ctx context.Context, clientID string, input CreateContractInput) (*domain.EscrowContract, error) {
	clientID = strings.TrimSpace(clientID)
	if err := s.authorize(clientID, domain.PermissionEscrowCreate); err != nil {
		return nil, err
	}
	if err := validateInput(ErrInvalidContract, input); err != nil {
		return nil, err
	}
	auditorID := strings.TrimSpace(input.AuditorID)
	if auditorID == clientID {
		return nil, fmt.Errorf("%w: client and auditor must differ", ErrInvalidContract)
	}

	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	now := s.now().UTC()
	contract := domain.EscrowContract{
		ID:             uuid.NewString(),
		AuditRequestID: strings.TrimSpace(input.AuditRequestID),
		ClientID:       clientID,
		AuditorID:      auditorID,
		TotalAmount:    input.TotalAmount,
		Currency:       currency,
		PlatformFee:    domain.PlatformFee(input.TotalAmount, s.cfg.PlatformFeeBPS),
		Status:         domain.ContractDraft,
		Milestones:     make([]domain.Milestone, 0, len(input.Milestones)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, m := range input.Milestones {
		contract.Milestones = append(contract.Milestones, domain.Milestone{
			ID:          uuid.NewString(),
			Title:       strings.TrimSpace(m.Title),
			Description: strings.TrimSpace(m.Description),
			Amount:      m.Amount,
			Deadline:    m.Deadline,
			Status:      domain.MilestonePending,
		})
	}
	if err := contract.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidContract, err)
	}

	if err := s.contracts.Create(ctx, contract); err != nil {
		return nil, fmt.Errorf("create contract: %w", err)
	}

	s.publishEscrow(ctx, &contract, clientID, "created", nil)
	return &contract, nil
}

// FundContract charges the client for the contract total plus platform fee. The contract moves
// to funded only once the processor confirms; failures leave it in draft and are not retried here.
func (s *EscrowService) FundContract(ctx context.Context, actorID, contractID, paymentMethodRef string) (*domain.EscrowContract, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowFund); err != nil {
		return nil, err
	}
	if strings.TrimSpace(paymentMethodRef) == "" {
		return nil, fmt.Errorf("%w: payment method is required", ErrInvalidContract)
	}

	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.ClientID != actorID && !s.authz.HasPermission(actorID, domain.PermissionEscrowManageAny) {
		return nil, ErrNotContractParty
	}

	if contract.Status != domain.ContractDraft {
		if contract.PaymentIntentID != "" && contract.Status != domain.ContractCancelled {
			return contract, nil
		}
		return nil, fmt.Errorf("%w: cannot fund a %s contract", ErrInvalidTransition, contract.Status)
	}

	key := domain.FundingKey(contract.ID)
	if tx := s.confirmedTransaction(ctx, key); tx != nil {
		s.logger.Info("funding already confirmed, restoring contract state",
			zap.String("contract_id", contract.ID),
			zap.String("processor_ref", tx.ProcessorRef),
		)
		return s.markFunded(ctx, contract, actorID, tx.ProcessorRef)
	}

	amount := contract.TotalAmount + contract.PlatformFee
	started := time.Now()
	result, err := s.processor.FundIntent(ctx, port.PaymentRequest{
		IdempotencyKey:   key,
		ContractID:       contract.ID,
		Amount:           amount,
		Currency:         contract.Currency,
		Description:      fmt.Sprintf("Escrow funding for contract %s", contract.ID),
		PaymentMethodRef: paymentMethodRef,
	})
	s.observeProcessor("fund", started, err)
	if err != nil {
		s.countFunding("failed")
		s.logger.Warn("escrow funding failed", zap.String("contract_id", contract.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	if result.Status != domain.TransactionSucceeded {
		s.countFunding("pending")
		return nil, fmt.Errorf("%w: funding status %s", ErrPaymentPending, result.Status)
	}

	s.record(ctx, domain.Transaction{
		IdempotencyKey: key,
		Kind:           domain.TransactionFunding,
		ContractID:     contract.ID,
		Amount:         amount,
		Currency:       contract.Currency,
		ProcessorRef:   result.ProcessorRef,
		Status:         domain.TransactionSucceeded,
	})
	s.countFunding("succeeded")
	return s.markFunded(ctx, contract, actorID, result.ProcessorRef)
}

func (s *EscrowService) markFunded(ctx context.Context, contract *domain.EscrowContract, actorID, ref string) (*domain.EscrowContract, error) {
	contract.PaymentIntentID = ref
	if err := contract.Transition(domain.ContractFunded, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err := s.contracts.Save(ctx, *contract); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}
	s.publishPayment(ctx, contract, nil, domain.TransactionFunding, contract.TotalAmount+contract.PlatformFee, ref)
	s.publishEscrow(ctx, contract, actorID, "funded", nil)
	return contract, nil
}

// StartWork moves a funded contract to in_progress; only the auditor may do this.
func (s *EscrowService) StartWork(ctx context.Context, actorID, contractID string) (*domain.EscrowContract, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowView); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.AuditorID != actorID {
		return nil, ErrNotContractParty
	}
	if contract.Status == domain.ContractInProgress {
		return contract, nil
	}
	if err := contract.Transition(domain.ContractInProgress, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err := s.contracts.Save(ctx, *contract); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}
	s.publishEscrow(ctx, contract, actorID, "started", nil)
	return contract, nil
}

// ApproveMilestone marks a pending milestone approved. Persistence is queued; the call does
// not wait for the server.
func (s *EscrowService) ApproveMilestone(ctx context.Context, actorID, contractID string, index int) (*domain.EscrowContract, error) {
	return s.changeMilestone(ctx, actorID, contractID, index, domain.MilestoneApproved, "milestone_approved")
}

// RejectMilestone marks a pending milestone rejected.
func (s *EscrowService) RejectMilestone(ctx context.Context, actorID, contractID string, index int) (*domain.EscrowContract, error) {
	return s.changeMilestone(ctx, actorID, contractID, index, domain.MilestoneRejected, "milestone_rejected")
}

func (s *EscrowService) changeMilestone(ctx context.Context, actorID, contractID string, index int, to domain.MilestoneStatus, action string) (*domain.EscrowContract, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowReleaseFunds); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.ClientID != actorID && !s.authz.HasPermission(actorID, domain.PermissionEscrowManageAny) {
		return nil, ErrNotContractParty
	}
	m, err := milestoneAt(contract, index)
	if err != nil {
		return nil, err
	}
	if m.Status == to || (to == domain.MilestoneApproved && m.Status == domain.MilestoneReleased) {
		return contract, nil
	}
	if !contract.AcceptsMilestoneChanges() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidTransition, contract.Status)
	}
	if !domain.CanTransitionMilestone(m.Status, to) {
		return nil, fmt.Errorf("%w: milestone %d is %s", ErrInvalidTransition, index, m.Status)
	}

	now := s.now().UTC()
	m.Status = to
	if to == domain.MilestoneApproved {
		m.ApprovedBy = actorID
		m.ApprovedAt = &now
		if contract.Status == domain.ContractFunded {
			if err := contract.Transition(domain.ContractInProgress, now); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
			}
		}
	}
	contract.UpdatedAt = now

	if err := s.contracts.Save(ctx, *contract); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}
	s.publishEscrow(ctx, contract, actorID, action, m)
	return contract, nil
}

// ReleaseMilestone pays out an approved milestone. It is idempotent: a milestone already
// released, or whose release the ledger already holds, succeeds without calling the processor.
func (s *EscrowService) ReleaseMilestone(ctx context.Context, actorID, contractID string, index int) (*ReleaseResult, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowReleaseFunds); err != nil {
		s.countRelease("denied")
		return nil, err
	}

	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.ClientID != actorID && !s.authz.HasPermission(actorID, domain.PermissionEscrowManageAny) {
		s.countRelease("denied")
		return nil, ErrNotContractParty
	}
	m, err := milestoneAt(contract, index)
	if err != nil {
		return nil, err
	}

	if m.Status == domain.MilestoneReleased {
		s.countRelease("noop")
		s.logger.Debug("milestone already released", zap.String("contract_id", contract.ID), zap.String("milestone_id", m.ID))
		return releaseResult(contract, m), nil
	}

	key := domain.ReleaseKey(m.ID)
	if tx := s.confirmedTransaction(ctx, key); tx != nil {
		s.logger.Info("release already confirmed, restoring milestone state",
			zap.String("contract_id", contract.ID),
			zap.String("milestone_id", m.ID),
		)
		s.countRelease("noop")
		return s.markReleased(ctx, contract, m, actorID, tx.ProcessorRef)
	}

	if m.Status != domain.MilestoneApproved {
		return nil, fmt.Errorf("%w: milestone %d is %s", ErrMilestoneNotApproved, index, m.Status)
	}
	if !contract.AcceptsMilestoneChanges() {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidTransition, contract.Status)
	}

	started := time.Now()
	result, err := s.processor.ReleaseFunds(ctx, port.PaymentRequest{
		IdempotencyKey:  key,
		ContractID:      contract.ID,
		MilestoneID:     m.ID,
		Amount:          m.Amount,
		Currency:        contract.Currency,
		Description:     fmt.Sprintf("Milestone %q of contract %s", m.Title, contract.ID),
		PaymentIntentID: contract.PaymentIntentID,
		DestinationRef:  contract.AuditorID,
	})
	s.observeProcessor("release", started, err)
	if err != nil {
		s.countRelease("failed")
		s.logger.Warn("milestone release failed",
			zap.String("contract_id", contract.ID),
			zap.String("milestone_id", m.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	if result.Status != domain.TransactionSucceeded {
		s.countRelease("pending")
		return nil, fmt.Errorf("%w: release status %s", ErrPaymentPending, result.Status)
	}

	s.record(ctx, domain.Transaction{
		IdempotencyKey: key,
		Kind:           domain.TransactionRelease,
		ContractID:     contract.ID,
		MilestoneID:    m.ID,
		Amount:         m.Amount,
		Currency:       contract.Currency,
		ProcessorRef:   result.ProcessorRef,
		Status:         domain.TransactionSucceeded,
	})
	s.countRelease("succeeded")
	return s.markReleased(ctx, contract, m, actorID, result.ProcessorRef)
}

func (s *EscrowService) markReleased(ctx context.Context, contract *domain.EscrowContract, m *domain.Milestone, actorID, ref string) (*ReleaseResult, error) {
	now := s.now().UTC()
	m.Status = domain.MilestoneReleased
	m.ReleasedAt = &now
	m.ReleaseRef = ref
	contract.UpdatedAt = now
	if contract.AllReleased() && contract.Status != domain.ContractCompleted {
		if err := contract.Transition(domain.ContractCompleted, now); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
	}

	if err := s.contracts.Save(ctx, *contract); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}

	s.publishPayment(ctx, contract, m, domain.TransactionRelease, m.Amount, ref)
	s.publishEscrow(ctx, contract, actorID, "milestone_released", m)
	if contract.Status == domain.ContractCompleted {
		s.publishEscrow(ctx, contract, actorID, "completed", nil)
	}
	return releaseResult(contract, m), nil
}

// OpenDispute freezes a funded or in-progress contract.
func (s *EscrowService) OpenDispute(ctx context.Context, actorID, contractID, reason string) (*domain.EscrowContract, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowDispute); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !contract.IsParty(actorID) {
		return nil, ErrNotContractParty
	}
	if contract.Status == domain.ContractDisputed {
		return contract, nil
	}
	if err := contract.Transition(domain.ContractDisputed, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err := s.contracts.Save(ctx, *contract); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}
	s.publishEscrowWithMetadata(ctx, contract, actorID, "disputed", nil, map[string]any{"reason": strings.TrimSpace(reason)})
	return contract, nil
}

// ResolveDispute resumes a disputed contract or cancels it.
func (s *EscrowService) ResolveDispute(ctx context.Context, actorID, contractID string, resume bool) (*domain.EscrowContract, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowResolveDispute); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.Status != domain.ContractDisputed {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidTransition, contract.Status)
	}
	to, action := domain.ContractInProgress, "dispute_resumed"
	if !resume {
		to, action = domain.ContractCancelled, "dispute_cancelled"
	}
	if err := contract.Transition(to, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err := s.contracts.Save(ctx, *contract); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}
	s.publishEscrow(ctx, contract, actorID, action, nil)
	return contract, nil
}

// Cancel withdraws a draft contract. Funded contracts are only cancelled through dispute resolution.
func (s *EscrowService) Cancel(ctx context.Context, actorID, contractID string) (*domain.EscrowContract, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowCancel); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.ClientID != actorID {
		return nil, ErrNotContractParty
	}
	if contract.Status == domain.ContractCancelled {
		return contract, nil
	}
	if contract.Status != domain.ContractDraft {
		return nil, fmt.Errorf("%w: only draft contracts can be cancelled", ErrInvalidTransition)
	}
	if err := contract.Transition(domain.ContractCancelled, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err := s.contracts.Save(ctx, *contract); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}
	s.publishEscrow(ctx, contract, actorID, "cancelled", nil)
	return contract, nil
}

// GetContractStatus returns the contract with derived totals.
func (s *EscrowService) GetContractStatus(ctx context.Context, contractID string) (*ContractStatusView, error) {
	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	released := contract.ReleasedAmount()
	view := &ContractStatusView{
		Contract:        *contract,
		ReleasedAmount:  released,
		RemainingAmount: contract.TotalAmount - released,
		PlatformFee:     contract.PlatformFee,
		TotalDue:        contract.TotalAmount + contract.PlatformFee,
	}
	if synced, ok := s.contracts.(interface {
		Status(string) (domain.SyncStatus, error)
	}); ok {
		if st, err := synced.Status(contract.ID); err == nil {
			view.Sync = &st
		}
	}
	return view, nil
}

// Transactions lists ledger entries of a contract.
func (s *EscrowService) Transactions(ctx context.Context, contractID string) ([]domain.Transaction, error) {
	txs, err := s.ledger.ListByContract(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// ViewContract is GetContractStatus for an actor: parties and escrow staff may read a contract.
func (s *EscrowService) ViewContract(ctx context.Context, actorID, contractID string) (*ContractStatusView, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowView); err != nil {
		return nil, err
	}
	view, err := s.GetContractStatus(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !s.canRead(actorID, &view.Contract) {
		return nil, ErrNotContractParty
	}
	return view, nil
}

// ContractTransactions is Transactions for an actor, with the same read rule as ViewContract.
func (s *EscrowService) ContractTransactions(ctx context.Context, actorID, contractID string) ([]domain.Transaction, error) {
	if err := s.authorize(actorID, domain.PermissionEscrowView); err != nil {
		return nil, err
	}
	contract, err := s.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !s.canRead(actorID, contract) {
		return nil, ErrNotContractParty
	}
	return s.Transactions(ctx, contract.ID)
}

func (s *EscrowService) canRead(actorID string, c *domain.EscrowContract) bool {
	return c.IsParty(actorID) ||
		s.authz.HasPermission(actorID, domain.PermissionEscrowManageAny) ||
		s.authz.HasPermission(actorID, domain.PermissionEscrowResolveDispute)
}

func (s *EscrowService) authorize(actorID, permission string) error {
	if strings.TrimSpace(actorID) == "" {
		return ErrPermissionDenied
	}
	if !s.authz.HasPermission(actorID, permission) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, permission)
	}
	return nil
}

func (s *EscrowService) load(ctx context.Context, contractID string) (*domain.EscrowContract, error) {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract id is required", ErrInvalidContract)
	}
	contract, err := s.contracts.Load(ctx, contractID)
	if err != nil {
		if errors.Is(err, ErrContractNotFound) || errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrContractNotFound, contractID)
		}
		return nil, fmt.Errorf("load contract: %w", err)
	}
	return contract, nil
}

func (s *EscrowService) confirmedTransaction(ctx context.Context, key string) *domain.Transaction {
	if s.ledger == nil {
		return nil
	}
	tx, err := s.ledger.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("transaction ledger lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		}
		return nil
	}
	if tx.Status != domain.TransactionSucceeded {
		return nil
	}
	return tx
}

func (s *EscrowService) record(ctx context.Context, tx domain.Transaction) {
	if s.ledger == nil {
		return
	}
	tx.ID = uuid.NewString()
	tx.CreatedAt = s.now().UTC()
	if err := s.ledger.Record(ctx, tx); err != nil {
		// The processor key still guards against a second payout.
		s.logger.Error("record transaction failed",
			zap.String("idempotency_key", tx.IdempotencyKey),
			zap.String("processor_ref", tx.ProcessorRef),
			zap.Error(err),
		)
	}
}

func (s *EscrowService) publishEscrow(ctx context.Context, c *domain.EscrowContract, actorID, action string, m *domain.Milestone) {
	s.publishEscrowWithMetadata(ctx, c, actorID, action, m, nil)
}

func (s *EscrowService) publishEscrowWithMetadata(ctx context.Context, c *domain.EscrowContract, actorID, action string, m *domain.Milestone, metadata map[string]any) {
	if s.events == nil {
		return
	}
	event := domain.EscrowUpdatedEvent{
		EventID:    uuid.NewString(),
		ContractID: c.ID,
		ActorID:    actorID,
		Status:     c.Status,
		Action:     action,
		OccurredAt: s.now().UTC(),
		Metadata:   metadata,
	}
	if m != nil {
		event.MilestoneID = m.ID
		event.MilestoneState = m.Status
	}
	if err := s.events.PublishEscrowUpdated(ctx, event); err != nil {
		s.logger.Warn("publish escrow update failed", zap.String("contract_id", c.ID), zap.String("action", action), zap.Error(err))
	}
}

func (s *EscrowService) publishPayment(ctx context.Context, c *domain.EscrowContract, m *domain.Milestone, kind domain.TransactionKind, amount int64, ref string) {
	if s.events == nil {
		return
	}
	event := domain.PaymentUpdatedEvent{
		EventID:      uuid.NewString(),
		ContractID:   c.ID,
		Kind:         kind,
		Amount:       amount,
		Currency:     c.Currency,
		ProcessorRef: ref,
		Status:       domain.TransactionSucceeded,
		OccurredAt:   s.now().UTC(),
	}
	if m != nil {
		event.MilestoneID = m.ID
	}
	if err := s.events.PublishPaymentUpdated(ctx, event); err != nil {
		s.logger.Warn("publish payment update failed", zap.String("contract_id", c.ID), zap.Error(err))
	}
}

func (s *EscrowService) countRelease(outcome string) {
	if s.metrics != nil {
		s.metrics.IncRelease(outcome)
	}
}

func (s *EscrowService) countFunding(outcome string) {
	if s.metrics != nil {
		s.metrics.IncFunding(outcome)
	}
}

func (s *EscrowService) observeProcessor(op string, started time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveProcessor(op, time.Since(started), err)
	}
}

func milestoneAt(c *domain.EscrowContract, index int) (*domain.Milestone, error) {
	if index < 0 || index >= len(c.Milestones) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrMilestoneNotFound, index, len(c.Milestones))
	}
	return &c.Milestones[index], nil
}

func releaseResult(c *domain.EscrowContract, m *domain.Milestone) *ReleaseResult {
	return &ReleaseResult{
		ContractID:     c.ID,
		ContractStatus: c.Status,
		Milestone:      *m,
		ProcessorRef:   m.ReleaseRef,
	}
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
