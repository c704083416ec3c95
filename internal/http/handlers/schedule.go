package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/core/engine"
	"github.com/botfleet/orchestrator/internal/http/response"
	"github.com/botfleet/orchestrator/internal/types"
)

type ScheduleHandler struct {
	engine *engine.Engine
}

func NewScheduleHandler(e *engine.Engine) *ScheduleHandler {
	return &ScheduleHandler{engine: e}
}

type scheduleBody struct {
	WorkflowID      string             `json:"workflow_id"`
	WorkflowName    string             `json:"workflow_name"`
	Frequency       string             `json:"frequency"`
	FireAt          *time.Time         `json:"fire_at"`
	IntervalSeconds int                `json:"interval_seconds"`
	CronExpression  string             `json:"cron_expression"`
	Timezone        string             `json:"timezone"`
	TargetRobotID   string             `json:"target_robot_id"`
	Priority        *types.JobPriority `json:"priority"`
	Parameters      map[string]any     `json:"parameters"`
	WorkflowDoc     map[string]any     `json:"workflow_document"`
	Enabled         *bool              `json:"enabled"`
}

func (b scheduleBody) apply(s *types.Schedule) error {
	s.WorkflowID = b.WorkflowID
	s.WorkflowName = b.WorkflowName
	s.Frequency = types.ScheduleFrequency(b.Frequency)
	s.FireAt = b.FireAt
	s.IntervalSeconds = b.IntervalSeconds
	s.CronExpression = b.CronExpression
	s.Timezone = b.Timezone
	s.TargetRobotID = b.TargetRobotID
	if b.Priority != nil {
		s.Priority = *b.Priority
	}
	if b.Enabled != nil {
		s.Enabled = *b.Enabled
	} else {
		s.Enabled = true
	}
	if b.Parameters != nil {
		raw, err := json.Marshal(b.Parameters)
		if err != nil {
			return err
		}
		s.Parameters = raw
	}
	if b.WorkflowDoc != nil {
		raw, err := json.Marshal(b.WorkflowDoc)
		if err != nil {
			return err
		}
		s.WorkflowDoc = raw
	}
	return nil
}

// POST /api/schedules
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	var sched types.Schedule
	if err := body.apply(&sched); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	out, err := h.engine.Scheduler().Create(c.Request.Context(), &sched)
	if err != nil {
		respondDomainError(c, "create_schedule_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"schedule": out})
}

// GET /api/schedules
func (h *ScheduleHandler) ListSchedules(c *gin.Context) {
	response.RespondOK(c, gin.H{"schedules": h.engine.Scheduler().List()})
}

// GET /api/schedules/:id
func (h *ScheduleHandler) GetSchedule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_schedule_id", err)
		return
	}
	sched, err := h.engine.Scheduler().Get(id)
	if err != nil {
		respondDomainError(c, "schedule_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"schedule": sched})
}

// PUT /api/schedules/:id
func (h *ScheduleHandler) UpdateSchedule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_schedule_id", err)
		return
	}
	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	var applyErr error
	sched, err := h.engine.Scheduler().Update(c.Request.Context(), id, func(s *types.Schedule) {
		applyErr = body.apply(s)
	})
	if applyErr != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", applyErr)
		return
	}
	if err != nil {
		respondDomainError(c, "update_schedule_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"schedule": sched})
}

// POST /api/schedules/:id/enable  and  /disable
func (h *ScheduleHandler) SetEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_schedule_id", err)
			return
		}
		sched, err := h.engine.Scheduler().SetEnabled(c.Request.Context(), id, enabled)
		if err != nil {
			respondDomainError(c, "toggle_schedule_failed", err)
			return
		}
		response.RespondOK(c, gin.H{"schedule": sched})
	}
}

// DELETE /api/schedules/:id
func (h *ScheduleHandler) DeleteSchedule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_schedule_id", err)
		return
	}
	if err := h.engine.Scheduler().Delete(c.Request.Context(), id); err != nil {
		respondDomainError(c, "delete_schedule_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}
