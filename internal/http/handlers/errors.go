package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botfleet/orchestrator/internal/core/orcherr"
	"github.com/botfleet/orchestrator/internal/http/response"
)

// respondDomainError maps core error kinds onto HTTP statuses. A dedup hit is
// not an error to the client: it returns 200 with the original job id.
func respondDomainError(c *gin.Context, code string, err error) {
	if dup, ok := orcherr.IsDuplicate(err); ok {
		c.JSON(http.StatusOK, gin.H{
			"duplicate":       true,
			"original_job_id": dup.OriginalJobID,
		})
		return
	}

	status := http.StatusBadRequest
	switch {
	case errors.Is(err, orcherr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orcherr.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orcherr.ErrAlreadyTerminal),
		errors.Is(err, orcherr.ErrConflict),
		errors.Is(err, orcherr.ErrNotTerminal):
		status = http.StatusConflict
	}
	var ste *orcherr.StateTransitionError
	if errors.As(err, &ste) {
		status = http.StatusConflict
	}
	response.RespondError(c, status, code, err)
}
