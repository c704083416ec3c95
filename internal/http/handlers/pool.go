package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botfleet/orchestrator/internal/core/engine"
	"github.com/botfleet/orchestrator/internal/http/response"
	"github.com/botfleet/orchestrator/internal/types"
)

type PoolHandler struct {
	engine *engine.Engine
}

func NewPoolHandler(e *engine.Engine) *PoolHandler {
	return &PoolHandler{engine: e}
}

// POST /api/pools
func (h *PoolHandler) CreatePool(c *gin.Context) {
	var body struct {
		Name              string   `json:"name"`
		RequiredTags      []string `json:"required_tags"`
		MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
		AllowedWorkflows  []string `json:"allowed_workflows"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	pool, err := h.engine.Fleet().CreatePool(c.Request.Context(), &types.RobotPool{
		Name:              body.Name,
		RequiredTags:      body.RequiredTags,
		MaxConcurrentJobs: body.MaxConcurrentJobs,
		AllowedWorkflows:  body.AllowedWorkflows,
	})
	if err != nil {
		respondDomainError(c, "create_pool_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"pool": pool})
}

// GET /api/pools
func (h *PoolHandler) ListPools(c *gin.Context) {
	response.RespondOK(c, gin.H{"pools": h.engine.Fleet().Pools()})
}

// GET /api/pools/:name/members
func (h *PoolHandler) ListPoolMembers(c *gin.Context) {
	response.RespondOK(c, gin.H{"members": h.engine.Fleet().PoolMembers(c.Param("name"))})
}

// DELETE /api/pools/:name
func (h *PoolHandler) DeletePool(c *gin.Context) {
	if err := h.engine.Fleet().DeletePool(c.Request.Context(), c.Param("name")); err != nil {
		respondDomainError(c, "delete_pool_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}
