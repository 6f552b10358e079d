package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/transport/http/middleware"
	"github.com/arklim/auditmarket-core/internal/usecase"
)

// EscrowHandler exposes the escrow state machine. Authorization is enforced by the service.
type EscrowHandler struct {
	escrow *usecase.EscrowService
}

func NewEscrowHandler(escrow *usecase.EscrowService) *EscrowHandler {
	return &EscrowHandler{escrow: escrow}
}

// RegisterRoutes mounts read routes directly and mutation routes behind the supplied guards,
// typically the escrow rate limiter.
func (h *EscrowHandler) RegisterRoutes(r *gin.RouterGroup, mutationGuards ...gin.HandlerFunc) {
	r.GET("/:id", h.Status)
	r.GET("/:id/transactions", h.Transactions)

	m := r.Group("", mutationGuards...)
	m.POST("", h.Create)
	m.POST("/:id/fund", h.Fund)
	m.POST("/:id/start", h.Start)
	m.POST("/:id/dispute", h.Dispute)
	m.POST("/:id/resolve", h.Resolve)
	m.POST("/:id/cancel", h.Cancel)
	m.POST("/:id/milestones/:index/approve", h.milestoneAction(h.escrow.ApproveMilestone, "failed to approve milestone"))
	m.POST("/:id/milestones/:index/reject", h.milestoneAction(h.escrow.RejectMilestone, "failed to reject milestone"))
	m.POST("/:id/milestones/:index/release", h.Release)
}

// Create godoc
// @Summary Create an escrow contract in draft
// @Tags Escrow
// @Accept json
// @Produce json
// @Param request body usecase.CreateContractInput true "Contract"
// @Success 201 {object} domain.EscrowContract
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /api/v1/escrow [post]
func (h *EscrowHandler) Create(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req usecase.CreateContractInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid contract payload"))
		return
	}
	contract, err := h.escrow.CreateContract(c.Request.Context(), actorID, req)
	if err != nil {
		RespondWithMappedError(c, err, escrowCases, http.StatusInternalServerError, "failed to create contract")
		return
	}
	c.JSON(http.StatusCreated, contract)
}

// Fund godoc
// @Summary Fund a draft contract
// @Description Charges total plus platform fee. 202 means the processor has not confirmed yet; retry with the same request.
// @Tags Escrow
// @Accept json
// @Produce json
// @Param request body FundContractRequest true "Payment method"
// @Success 200 {object} domain.EscrowContract
// @Success 202 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/escrow/{id}/fund [post]
func (h *EscrowHandler) Fund(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req FundContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "payment_method_ref is required"))
		return
	}
	contract, err := h.escrow.FundContract(c.Request.Context(), actorID, c.Param("id"), req.PaymentMethodRef)
	h.respondContract(c, contract, err, "failed to fund contract")
}

// Start godoc
// @Summary Move a funded contract to in progress
// @Tags Escrow
// @Success 200 {object} domain.EscrowContract
// @Router /api/v1/escrow/{id}/start [post]
func (h *EscrowHandler) Start(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	contract, err := h.escrow.StartWork(c.Request.Context(), actorID, c.Param("id"))
	h.respondContract(c, contract, err, "failed to start work")
}

// Release godoc
// @Summary Release an approved milestone to the auditor
// @Description Idempotent: releasing an already released milestone returns the original result.
// @Tags Escrow
// @Produce json
// @Success 200 {object} usecase.ReleaseResult
// @Success 202 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/escrow/{id}/milestones/{index}/release [post]
func (h *EscrowHandler) Release(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	index, ok := milestoneIndex(c)
	if !ok {
		return
	}
	result, err := h.escrow.ReleaseMilestone(c.Request.Context(), actorID, c.Param("id"), index)
	if err != nil {
		RespondWithMappedError(c, err, escrowCases, http.StatusInternalServerError, "failed to release milestone")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Dispute godoc
// @Summary Open a dispute, freezing releases
// @Tags Escrow
// @Accept json
// @Param request body DisputeRequest true "Reason"
// @Success 200 {object} domain.EscrowContract
// @Router /api/v1/escrow/{id}/dispute [post]
func (h *EscrowHandler) Dispute(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "reason is required"))
		return
	}
	contract, err := h.escrow.OpenDispute(c.Request.Context(), actorID, c.Param("id"), req.Reason)
	h.respondContract(c, contract, err, "failed to open dispute")
}

// Resolve godoc
// @Summary Resolve a dispute, resuming work or cancelling the contract
// @Tags Escrow
// @Accept json
// @Param request body ResolveDisputeRequest true "Resolution"
// @Success 200 {object} domain.EscrowContract
// @Router /api/v1/escrow/{id}/resolve [post]
func (h *EscrowHandler) Resolve(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "resume is required"))
		return
	}
	contract, err := h.escrow.ResolveDispute(c.Request.Context(), actorID, c.Param("id"), *req.Resume)
	h.respondContract(c, contract, err, "failed to resolve dispute")
}

// Cancel godoc
// @Summary Cancel a draft contract
// @Tags Escrow
// @Success 200 {object} domain.EscrowContract
// @Router /api/v1/escrow/{id}/cancel [post]
func (h *EscrowHandler) Cancel(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	contract, err := h.escrow.Cancel(c.Request.Context(), actorID, c.Param("id"))
	h.respondContract(c, contract, err, "failed to cancel contract")
}

// Status godoc
// @Summary Contract with derived totals and sync status
// @Tags Escrow
// @Produce json
// @Success 200 {object} usecase.ContractStatusView
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/escrow/{id} [get]
func (h *EscrowHandler) Status(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	view, err := h.escrow.ViewContract(c.Request.Context(), actorID, c.Param("id"))
	if err != nil {
		RespondWithMappedError(c, err, escrowCases, http.StatusInternalServerError, "failed to load contract")
		return
	}
	c.JSON(http.StatusOK, view)
}

// Transactions godoc
// @Summary Ledger entries of a contract
// @Tags Escrow
// @Produce json
// @Success 200 {object} TransactionsResponse
// @Router /api/v1/escrow/{id}/transactions [get]
func (h *EscrowHandler) Transactions(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	contractID := c.Param("id")
	txs, err := h.escrow.ContractTransactions(c.Request.Context(), actorID, contractID)
	if err != nil {
		RespondWithMappedError(c, err, escrowCases, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	c.JSON(http.StatusOK, TransactionsResponse{ContractID: contractID, Transactions: txs})
}

type milestoneFunc func(ctx context.Context, actorID, contractID string, index int) (*domain.EscrowContract, error)

func (h *EscrowHandler) milestoneAction(fn milestoneFunc, failure string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID, ok := actor(c)
		if !ok {
			return
		}
		index, ok := milestoneIndex(c)
		if !ok {
			return
		}
		contract, err := fn(c.Request.Context(), actorID, c.Param("id"), index)
		h.respondContract(c, contract, err, failure)
	}
}

func (h *EscrowHandler) respondContract(c *gin.Context, contract *domain.EscrowContract, err error, failure string) {
	if err != nil {
		RespondWithMappedError(c, err, escrowCases, http.StatusInternalServerError, failure)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func actor(c *gin.Context) (string, bool) {
	actorID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
	}
	return actorID, ok
}

func milestoneIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "milestone index must be a non-negative integer"))
		return 0, false
	}
	return index, true
}
