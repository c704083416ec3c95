package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botfleet/orchestrator/internal/core/engine"
	"github.com/botfleet/orchestrator/internal/http/response"
	"github.com/botfleet/orchestrator/internal/types"
)

type RobotHandler struct {
	engine *engine.Engine
}

func NewRobotHandler(e *engine.Engine) *RobotHandler {
	return &RobotHandler{engine: e}
}

// POST /api/robots
//
// API registration exists alongside the wire register for fleet tooling that
// pre-provisions robots.
func (h *RobotHandler) RegisterRobot(c *gin.Context) {
	var body struct {
		ID                string   `json:"id"`
		Name              string   `json:"name"`
		Environment       string   `json:"environment"`
		Tags              []string `json:"tags"`
		Capabilities      []string `json:"capabilities"`
		MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	robot, err := h.engine.RegisterRobot(c.Request.Context(), &types.Robot{
		ID:                body.ID,
		Name:              body.Name,
		Environment:       body.Environment,
		Tags:              body.Tags,
		Capabilities:      body.Capabilities,
		MaxConcurrentJobs: body.MaxConcurrentJobs,
	})
	if err != nil {
		respondDomainError(c, "register_robot_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"robot": robot})
}

// GET /api/robots
func (h *RobotHandler) ListRobots(c *gin.Context) {
	response.RespondOK(c, gin.H{"robots": h.engine.ListRobots()})
}

// GET /api/robots/:id
func (h *RobotHandler) GetRobot(c *gin.Context) {
	view, ok := h.engine.GetRobot(c.Param("id"))
	if !ok {
		response.RespondError(c, http.StatusNotFound, "robot_not_found", nil)
		return
	}
	response.RespondOK(c, gin.H{"robot": view})
}

// DELETE /api/robots/:id
func (h *RobotHandler) UnregisterRobot(c *gin.Context) {
	if err := h.engine.UnregisterRobot(c.Request.Context(), c.Param("id")); err != nil {
		respondDomainError(c, "unregister_robot_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"unregistered": true})
}

// POST /api/robots/:id/pause and /api/robots/:id/resume
func (h *RobotHandler) SetPaused(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.engine.PauseRobot(c.Request.Context(), c.Param("id"), paused); err != nil {
			respondDomainError(c, "pause_robot_failed", err)
			return
		}
		response.RespondOK(c, gin.H{"robot_id": c.Param("id"), "paused": paused})
	}
}

// GET /api/robots/:id/jobs
func (h *RobotHandler) ListRobotJobs(c *gin.Context) {
	response.RespondOK(c, gin.H{"jobs": h.engine.RobotJobs(c.Param("id"))})
}
