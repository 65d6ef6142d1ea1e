package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careflow-go/pkg/ratelimit"
	"github.com/careflow-go/pkg/telemetry"
)

// NewRouter assembles the HTTP surface. Tracing and rate limiting wrap the
// versioned API only; health and metrics stay cheap.
func NewRouter(h *Handlers, tel *telemetry.Telemetry, limiter *ratelimit.Limiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if tel != nil {
		v1.Use(tel.HTTPMiddleware())
	}
	if limiter != nil {
		v1.Use(limiter.Middleware())
	}
	{
		v1.POST("/events", h.AppendEvent)
		v1.GET("/events/:id", h.GetEvent)

		v1.POST("/workflows", h.StartWorkflow)
		v1.GET("/workflows/:id", h.GetWorkflow)
		v1.POST("/workflows/:id/cancel", h.CancelWorkflow)
		v1.POST("/workflows/:id/signal", h.SignalWorkflow)
		v1.GET("/workflows/:id/events", h.WorkflowEvents)
		v1.GET("/workflows/:id/summary", h.WorkflowSummary)

		v1.GET("/aggregates/:id/lineage", h.AggregateLineage)
		v1.GET("/triggers/unprocessed", h.UnprocessedTriggers)
	}

	return router
}
