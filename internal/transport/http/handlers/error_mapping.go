package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/repository"
	"github.com/arklim/auditmarket-core/internal/usecase"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
// Unmapped errors are attached to the gin context so the access log records them.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
			return
		}
	}

	_ = c.Error(err)
	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}

var authorizationCases = []ErrorCase{
	{Err: usecase.ErrPermissionDenied, Status: http.StatusForbidden, Message: "insufficient permissions"},
	{Err: usecase.ErrNotContractParty, Status: http.StatusForbidden, Message: "not a party to this contract"},
}

var roleCases = append([]ErrorCase{
	{Err: usecase.ErrUnknownRole, Status: http.StatusBadRequest, Message: "unknown role"},
	{Err: usecase.ErrInvalidExpiry, Status: http.StatusBadRequest, Message: "grant expiry must be in the future"},
	{Err: repository.ErrNotFound, Status: http.StatusNotFound, Message: "role grant not found"},
}, authorizationCases...)

var syncCases = []ErrorCase{
	{Err: usecase.ErrInvalidTarget, Status: http.StatusBadRequest, Message: "invalid sync target"},
	{Err: usecase.ErrTargetActive, Status: http.StatusConflict, Message: "sync target already active"},
	{Err: usecase.ErrTargetNotFound, Status: http.StatusNotFound, Message: "sync target not found"},
	{Err: usecase.ErrInvalidMutation, Status: http.StatusBadRequest, Message: "invalid mutation"},
	{Err: repository.ErrNotFound, Status: http.StatusNotFound, Message: "record not found"},
	{Err: repository.ErrCacheCorrupt, Status: http.StatusServiceUnavailable, Message: "snapshot cache unavailable"},
}

var presenceCases = []ErrorCase{
	{Err: usecase.ErrInvalidPresence, Status: http.StatusBadRequest, Message: "invalid presence"},
	{Err: usecase.ErrAlreadyJoined, Status: http.StatusConflict, Message: "room already joined"},
	{Err: usecase.ErrNotJoined, Status: http.StatusNotFound, Message: "room not joined"},
}

var escrowCases = append([]ErrorCase{
	{Err: usecase.ErrInvalidContract, Status: http.StatusBadRequest, Message: "invalid escrow contract"},
	{Err: domain.ErrInvalidAmount, Status: http.StatusBadRequest, Message: "invalid amount"},
	{Err: domain.ErrMilestonesExceedTotal, Status: http.StatusBadRequest, Message: "milestone amounts exceed contract total"},
	{Err: usecase.ErrContractNotFound, Status: http.StatusNotFound, Message: "escrow contract not found"},
	{Err: usecase.ErrMilestoneNotFound, Status: http.StatusNotFound, Message: "milestone not found"},
	{Err: usecase.ErrMilestoneNotApproved, Status: http.StatusConflict, Message: "milestone is not approved"},
	{Err: usecase.ErrInvalidTransition, Status: http.StatusConflict, Message: "invalid escrow state transition"},
	{Err: domain.ErrInvalidTransition, Status: http.StatusConflict, Message: "invalid escrow state transition"},
	{Err: usecase.ErrPaymentPending, Status: http.StatusAccepted, Message: "payment not yet confirmed, retry later"},
	{Err: usecase.ErrPaymentFailed, Status: http.StatusBadGateway, Message: "payment processor failed"},
}, authorizationCases...)
