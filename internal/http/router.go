package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	httpH "github.com/botfleet/orchestrator/internal/http/handlers"
	httpMW "github.com/botfleet/orchestrator/internal/http/middleware"
	"github.com/botfleet/orchestrator/internal/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	JobHandler      *httpH.JobHandler
	RobotHandler    *httpH.RobotHandler
	ScheduleHandler *httpH.ScheduleHandler
	TriggerHandler  *httpH.TriggerHandler
	PoolHandler     *httpH.PoolHandler
	StatsHandler    *httpH.StatsHandler
	EventsHandler   *httpH.EventsHandler
	HealthHandler   *httpH.HealthHandler

	MetricsHandler http.Handler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := r.Group("/api")
	{
		if cfg.JobHandler != nil {
			api.POST("/jobs", cfg.JobHandler.SubmitJob)
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
			api.POST("/jobs/:id/retry", cfg.JobHandler.RetryJob)
			api.GET("/jobs/:id/result", cfg.JobHandler.GetJobResult)
			api.GET("/jobs/:id/logs", cfg.JobHandler.GetJobLogs)
		}

		if cfg.RobotHandler != nil {
			api.POST("/robots", cfg.RobotHandler.RegisterRobot)
			api.GET("/robots", cfg.RobotHandler.ListRobots)
			api.GET("/robots/:id", cfg.RobotHandler.GetRobot)
			api.DELETE("/robots/:id", cfg.RobotHandler.UnregisterRobot)
			api.POST("/robots/:id/pause", cfg.RobotHandler.SetPaused(true))
			api.POST("/robots/:id/resume", cfg.RobotHandler.SetPaused(false))
			api.GET("/robots/:id/jobs", cfg.RobotHandler.ListRobotJobs)
		}

		if cfg.ScheduleHandler != nil {
			api.POST("/schedules", cfg.ScheduleHandler.CreateSchedule)
			api.GET("/schedules", cfg.ScheduleHandler.ListSchedules)
			api.GET("/schedules/:id", cfg.ScheduleHandler.GetSchedule)
			api.PUT("/schedules/:id", cfg.ScheduleHandler.UpdateSchedule)
			api.POST("/schedules/:id/enable", cfg.ScheduleHandler.SetEnabled(true))
			api.POST("/schedules/:id/disable", cfg.ScheduleHandler.SetEnabled(false))
			api.DELETE("/schedules/:id", cfg.ScheduleHandler.DeleteSchedule)
		}

		if cfg.TriggerHandler != nil {
			api.POST("/triggers", cfg.TriggerHandler.CreateTrigger)
			api.GET("/triggers", cfg.TriggerHandler.ListTriggers)
			api.GET("/triggers/:id", cfg.TriggerHandler.GetTrigger)
			api.POST("/triggers/:id/fire", cfg.TriggerHandler.FireTrigger)
			api.POST("/triggers/:id/enable", cfg.TriggerHandler.SetEnabled(true))
			api.POST("/triggers/:id/disable", cfg.TriggerHandler.SetEnabled(false))
			api.DELETE("/triggers/:id", cfg.TriggerHandler.DeleteTrigger)
			api.POST("/hooks/*path", cfg.TriggerHandler.Webhook)
		}

		if cfg.PoolHandler != nil {
			api.POST("/pools", cfg.PoolHandler.CreatePool)
			api.GET("/pools", cfg.PoolHandler.ListPools)
			api.GET("/pools/:name/members", cfg.PoolHandler.ListPoolMembers)
			api.DELETE("/pools/:name", cfg.PoolHandler.DeletePool)
		}

		if cfg.StatsHandler != nil {
			api.GET("/metrics", cfg.StatsHandler.Metrics)
			api.GET("/stats/queue", cfg.StatsHandler.QueueStats)
			api.GET("/stats/workflows", cfg.StatsHandler.WorkflowStats)
			api.GET("/stats/workflows/:id", cfg.StatsHandler.WorkflowStatsByID)
			api.GET("/stats/robots", cfg.StatsHandler.RobotStats)
			api.GET("/stats/robots/:id", cfg.StatsHandler.RobotStatsByID)
		}

		if cfg.EventsHandler != nil {
			api.GET("/events/stream", cfg.EventsHandler.Stream)
		}
	}

	return r
}
