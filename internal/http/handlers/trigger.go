package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/core/engine"
	"github.com/botfleet/orchestrator/internal/http/response"
	"github.com/botfleet/orchestrator/internal/types"
)

type TriggerHandler struct {
	engine *engine.Engine
}

func NewTriggerHandler(e *engine.Engine) *TriggerHandler {
	return &TriggerHandler{engine: e}
}

// POST /api/triggers
func (h *TriggerHandler) CreateTrigger(c *gin.Context) {
	var body struct {
		Name         string             `json:"name"`
		Type         string             `json:"type"`
		Config       map[string]any     `json:"config"`
		WorkflowID   string             `json:"workflow_id"`
		WorkflowName string             `json:"workflow_name"`
		WorkflowDoc  map[string]any     `json:"workflow_document"`
		Priority     *types.JobPriority `json:"priority"`
		Enabled      *bool              `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	trig := types.Trigger{
		Name:       body.Name,
		Type:       types.TriggerType(body.Type),
		WorkflowID: body.WorkflowID,
		Enabled:    true,
	}
	trig.WorkflowName = body.WorkflowName
	if body.Priority != nil {
		trig.Priority = *body.Priority
	}
	if body.Enabled != nil {
		trig.Enabled = *body.Enabled
	}
	if body.Config != nil {
		raw, err := json.Marshal(body.Config)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
			return
		}
		trig.Config = raw
	}
	if body.WorkflowDoc != nil {
		raw, err := json.Marshal(body.WorkflowDoc)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
			return
		}
		trig.WorkflowDoc = raw
	}
	out, err := h.engine.Triggers().Create(c.Request.Context(), &trig)
	if err != nil {
		respondDomainError(c, "create_trigger_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"trigger": out})
}

// GET /api/triggers
func (h *TriggerHandler) ListTriggers(c *gin.Context) {
	response.RespondOK(c, gin.H{"triggers": h.engine.Triggers().List()})
}

// GET /api/triggers/:id
func (h *TriggerHandler) GetTrigger(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_trigger_id", err)
		return
	}
	trig, err := h.engine.Triggers().Get(id)
	if err != nil {
		respondDomainError(c, "trigger_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"trigger": trig})
}

// POST /api/triggers/:id/fire
//
// Drives manual, form, chat and workflow_call triggers. The request body is
// forwarded to the workflow as the trigger event.
func (h *TriggerHandler) FireTrigger(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_trigger_id", err)
		return
	}
	var params map[string]any
	_ = c.ShouldBindJSON(&params)
	if err := h.engine.Triggers().Fire(c.Request.Context(), id, params); err != nil {
		respondDomainError(c, "fire_trigger_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"fired": true})
}

// POST /api/triggers/:id/enable  and  /disable
func (h *TriggerHandler) SetEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_trigger_id", err)
			return
		}
		trig, err := h.engine.Triggers().SetEnabled(c.Request.Context(), id, enabled)
		if err != nil {
			respondDomainError(c, "toggle_trigger_failed", err)
			return
		}
		response.RespondOK(c, gin.H{"trigger": trig})
	}
}

// DELETE /api/triggers/:id
func (h *TriggerHandler) DeleteTrigger(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_trigger_id", err)
		return
	}
	if err := h.engine.Triggers().Delete(c.Request.Context(), id); err != nil {
		respondDomainError(c, "delete_trigger_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}

// POST /api/hooks/*path
//
// Inbound webhook endpoint; the wildcard path routes to the trigger bound to
// it. The shared secret, when the trigger has one, rides in X-Hook-Secret.
func (h *TriggerHandler) Webhook(c *gin.Context) {
	var params map[string]any
	_ = c.ShouldBindJSON(&params)
	err := h.engine.Triggers().FireWebhook(
		c.Request.Context(),
		c.Param("path"),
		c.GetHeader("X-Hook-Secret"),
		params,
	)
	if err != nil {
		respondDomainError(c, "webhook_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"fired": true})
}
