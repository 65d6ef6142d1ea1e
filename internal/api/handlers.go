package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/careflow-go/internal/engine"
	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/internal/query"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
)

// Handlers is the edge of the orchestrator: producers append events,
// operators start, inspect, signal, and cancel workflows, auditors walk
// the log.
type Handlers struct {
	store   *eventstore.Store
	engine  *engine.Engine
	queries *query.Service
	logger  logger.Logger
}

func NewHandlers(store *eventstore.Store, eng *engine.Engine, queries *query.Service, log logger.Logger) *Handlers {
	return &Handlers{store: store, engine: eng, queries: queries, logger: log}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type appendEventRequest struct {
	StreamID   string              `json:"stream_id" binding:"required"`
	StreamType string              `json:"stream_type" binding:"required"`
	EventType  string              `json:"event_type" binding:"required"`
	EventData  json.RawMessage     `json:"event_data" binding:"required"`
	Metadata   eventstore.Metadata `json:"event_metadata"`
}

func (h *Handlers) AppendEvent(c *gin.Context) {
	var req appendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Actor and tenant headers ride into metadata uninterpreted; values
	// already present in the body win.
	for header, key := range map[string]string{"X-Actor": "actor", "X-Tenant-ID": "tenant_id"} {
		val := c.GetHeader(header)
		if val == "" {
			continue
		}
		if req.Metadata == nil {
			req.Metadata = eventstore.Metadata{}
		}
		if _, ok := req.Metadata[key]; !ok {
			req.Metadata[key] = val
		}
	}

	ev, err := h.store.AppendWithRetry(c.Request.Context(), eventstore.AppendRequest{
		StreamID:   req.StreamID,
		StreamType: req.StreamType,
		EventType:  req.EventType,
		EventData:  req.EventData,
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *Handlers) GetEvent(c *gin.Context) {
	ev, err := h.store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type startWorkflowRequest struct {
	Type       string          `json:"type" binding:"required"`
	WorkflowID string          `json:"workflow_id" binding:"required"`
	Params     json.RawMessage `json:"params"`
	TaskQueue  string          `json:"task_queue"`
	// ReuseAfterTerminal lets a finished workflow id be started again.
	ReuseAfterTerminal bool `json:"reuse_after_terminal"`
}

func (h *Handlers) StartWorkflow(c *gin.Context) {
	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reuse := engine.ReuseReject
	if req.ReuseAfterTerminal {
		reuse = engine.ReuseAllowAfterTerminal
	}
	run, err := h.engine.Start(c.Request.Context(), engine.StartOptions{
		Type:       req.Type,
		WorkflowID: req.WorkflowID,
		Params:     req.Params,
		TaskQueue:  req.TaskQueue,
		Reuse:      reuse,
	})
	if errors.Is(err, faults.ErrAlreadyExists) {
		// The existing run rides along so callers can treat 409 as a lookup.
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "run": run})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (h *Handlers) GetWorkflow(c *gin.Context) {
	run, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handlers) CancelWorkflow(c *gin.Context) {
	if err := h.engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

type signalRequest struct {
	Name    string          `json:"name" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handlers) SignalWorkflow(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.Signal(c.Request.Context(), c.Param("id"), req.Name, req.Payload); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "signal delivered"})
}

func (h *Handlers) WorkflowEvents(c *gin.Context) {
	events, err := h.queries.EventsForWorkflow(c.Request.Context(), c.Param("id"), c.Query("run_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handlers) WorkflowSummary(c *gin.Context) {
	sum, err := h.queries.WorkflowSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handlers) AggregateLineage(c *gin.Context) {
	lineage, err := h.queries.LineageForAggregate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lineage)
}

func (h *Handlers) UnprocessedTriggers(c *gin.Context) {
	var olderThan time.Duration
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "older_than must be a duration"})
			return
		}
		olderThan = d
	}
	events, err := h.queries.UnprocessedTriggers(c.Request.Context(), c.Query("event_type"), olderThan)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggers": events})
}

// fail maps fault kinds onto HTTP statuses. Correlation ids surface so a
// failed request can be traced back through the log.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.Validation:
		status = http.StatusBadRequest
	case faults.Authorization:
		status = http.StatusForbidden
	case faults.NotFound:
		status = http.StatusNotFound
	case faults.Conflict:
		status = http.StatusConflict
	case faults.RateLimited:
		status = http.StatusTooManyRequests
	case faults.Timeout:
		status = http.StatusGatewayTimeout
	case faults.Transient:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{"error": err.Error()}
	if corr := faults.CorrelationOf(err); corr != "" {
		body["correlation_id"] = corr
	}
	c.JSON(status, body)
}
