// Package http exposes the orchestrator's REST surface: CRUD over agents,
// tasks, workflows, and schedules, plus health, metrics, events, and the
// websocket upgrade.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maestro/internal/orchestrator"
)

// RouterDeps carries the router's collaborators.
type RouterDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
	Version      string
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(logger))
	engine.Use(recovery(logger))
	engine.Use(tracing(deps.Orchestrator.Tracer()))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	h := &handlers{orch: deps.Orchestrator, version: deps.Version}

	engine.GET("/health", h.health)
	if deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	engine.GET("/ws", deps.Orchestrator.Hub().ServeWS)

	api := engine.Group("/api/v1")
	{
		agents := api.Group("/agents")
		{
			agents.POST("", h.createAgent)
			agents.GET("", h.listAgents)
			agents.GET("/:id", h.getAgent)
			agents.PUT("/:id", h.updateAgent)
			agents.DELETE("/:id", h.deleteAgent)
		}
		tasks := api.Group("/tasks")
		{
			tasks.POST("", h.createTask)
			tasks.GET("", h.listTasks)
			tasks.GET("/:id", h.getTask)
			tasks.POST("/:id/cancel", h.cancelTask)
		}
		workflows := api.Group("/workflows")
		{
			workflows.POST("", h.createWorkflow)
			workflows.GET("", h.listWorkflows)
			workflows.GET("/:id", h.getWorkflow)
			workflows.POST("/:id/execute", h.executeWorkflow)
		}
		schedules := api.Group("/schedules")
		{
			schedules.POST("", h.createSchedule)
			schedules.GET("", h.listSchedules)
			schedules.GET("/:id", h.getSchedule)
			schedules.PUT("/:id", h.updateSchedule)
			schedules.DELETE("/:id", h.deleteSchedule)
		}
		api.GET("/events", h.listEvents)
	}

	return engine
}

// NewServer wraps the router in an http.Server with sane timeouts. Write
// timeout stays off so the websocket upgrade is not cut short.
func NewServer(addr string, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
