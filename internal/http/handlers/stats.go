package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botfleet/orchestrator/internal/core/engine"
	"github.com/botfleet/orchestrator/internal/http/response"
)

type StatsHandler struct {
	engine *engine.Engine
}

func NewStatsHandler(e *engine.Engine) *StatsHandler {
	return &StatsHandler{engine: e}
}

// GET /api/stats/queue
func (h *StatsHandler) QueueStats(c *gin.Context) {
	depths := map[string]int{}
	for status, n := range h.engine.Depths() {
		depths[string(status)] = n
	}
	robots := map[string]int{}
	for status, n := range h.engine.Fleet().CountByStatus() {
		robots[string(status)] = n
	}
	response.RespondOK(c, gin.H{"queue": depths, "robots": robots})
}

// GET /api/metrics
//
// One JSON snapshot of the operational counters: queue depth by status,
// dispatch totals, trigger fire counts and robot counts by status.
func (h *StatsHandler) Metrics(c *gin.Context) {
	depths := map[string]int{}
	for status, n := range h.engine.Depths() {
		depths[string(status)] = n
	}
	robots := map[string]int{}
	for status, n := range h.engine.Fleet().CountByStatus() {
		robots[string(status)] = n
	}

	fires := map[string]int{}
	enabled := 0
	triggers := h.engine.Triggers().List()
	for _, trig := range triggers {
		fires[string(trig.Type)] += trig.FireCount
		if trig.Enabled {
			enabled++
		}
	}

	response.RespondOK(c, gin.H{
		"queue":  depths,
		"robots": robots,
		"dispatch": gin.H{
			"strategy":         h.engine.Dispatcher().StrategyName(),
			"total_dispatched": h.engine.Dispatcher().DispatchedTotal(),
		},
		"triggers": gin.H{
			"total":         len(triggers),
			"enabled":       enabled,
			"fires_by_type": fires,
		},
	})
}

// GET /api/stats/workflows
func (h *StatsHandler) WorkflowStats(c *gin.Context) {
	response.RespondOK(c, gin.H{"workflows": h.engine.Results().AllWorkflowStats()})
}

// GET /api/stats/workflows/:id
func (h *StatsHandler) WorkflowStatsByID(c *gin.Context) {
	stats, ok := h.engine.Results().WorkflowStats(c.Param("id"))
	if !ok {
		response.RespondError(c, http.StatusNotFound, "no_stats_for_workflow", nil)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

// GET /api/stats/robots
func (h *StatsHandler) RobotStats(c *gin.Context) {
	response.RespondOK(c, gin.H{"robots": h.engine.Results().AllRobotStats()})
}

// GET /api/stats/robots/:id
func (h *StatsHandler) RobotStatsByID(c *gin.Context) {
	stats, ok := h.engine.Results().RobotStats(c.Param("id"))
	if !ok {
		response.RespondError(c, http.StatusNotFound, "no_stats_for_robot", nil)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}
