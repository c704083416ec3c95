package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/core/engine"
	"github.com/botfleet/orchestrator/internal/http/response"
	"github.com/botfleet/orchestrator/internal/repos"
	"github.com/botfleet/orchestrator/internal/types"
)

type JobHandler struct {
	engine *engine.Engine
}

func NewJobHandler(e *engine.Engine) *JobHandler {
	return &JobHandler{engine: e}
}

// POST /api/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req engine.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	job, err := h.engine.SubmitJob(c.Request.Context(), req)
	if err != nil {
		respondDomainError(c, "submit_job_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.engine.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondDomainError(c, "job_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := repos.JobFilter{
		Status:     types.JobStatus(c.Query("status")),
		RobotID:    c.Query("robot_id"),
		WorkflowID: c.Query("workflow_id"),
		Limit:      50,
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	jobs, total, err := h.engine.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondDomainError(c, "list_jobs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs, "total": total})
}

// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}
	job, err := h.engine.CancelJob(c.Request.Context(), jobID, body.Reason)
	if err != nil {
		respondDomainError(c, "cancel_job_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.engine.RetryJob(c.Request.Context(), jobID)
	if err != nil {
		respondDomainError(c, "retry_job_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs/:id/result
func (h *JobHandler) GetJobResult(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	res, err := h.engine.Results().GetByJobID(c.Request.Context(), jobID)
	if err != nil {
		respondDomainError(c, "result_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"result": res})
}

// GET /api/jobs/:id/logs
//
// Running jobs serve the in-memory tail; terminal jobs serve the tail stored
// on the result row.
func (h *JobHandler) GetJobLogs(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	if logs := h.engine.Results().Logs(jobID); len(logs) > 0 {
		response.RespondOK(c, gin.H{"logs": logs})
		return
	}
	res, err := h.engine.Results().GetByJobID(c.Request.Context(), jobID)
	if err != nil {
		response.RespondOK(c, gin.H{"logs": []types.LogEntry{}})
		return
	}
	logs := []types.LogEntry{}
	if len(res.Logs) > 0 {
		_ = json.Unmarshal(res.Logs, &logs)
	}
	response.RespondOK(c, gin.H{"logs": logs})
}
