package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/config"
	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/metrics"
	"github.com/careflow-go/pkg/resilience"
)

// Emitter appends events on behalf of activities. The event store's
// AppendWithRetry satisfies it.
type Emitter interface {
	AppendWithRetry(ctx context.Context, req eventstore.AppendRequest) (*eventstore.Event, error)
}

type defaults struct {
	TaskQueue     string
	Timeout       time.Duration
	ActivityRetry resilience.RetryConfig
	StartToClose  time.Duration
}

// Engine runs registered workflow functions in-process and persists
// their progress so a restarted process can pick up where it left off.
// Activity results are memoized per (run, activity) in
// activity_executions; a recovered run replays the function and skips
// every activity that already completed.
type Engine struct {
	db      *database.DB
	emitter Emitter
	log     logger.Logger

	defaults      defaults
	leaseInterval time.Duration
	sem           chan struct{}

	mu         sync.RWMutex
	workflows  map[string]WorkflowDefinition
	activities map[string]ActivityDefinition
	running    map[string]*runHandle

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// runHandle tracks an in-flight run so Cancel and Signal can reach it.
type runHandle struct {
	runID   string
	cancel  context.CancelFunc
	mu      sync.Mutex
	signals map[string]chan json.RawMessage
}

func (h *runHandle) signalCh(name string) chan json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.signals[name]
	if !ok {
		ch = make(chan json.RawMessage, 8)
		h.signals[name] = ch
	}
	return ch
}

func New(db *database.DB, emitter Emitter, log logger.Logger, cfg config.EngineConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	lease := time.Duration(cfg.LeaseIntervalS) * time.Second
	if lease <= 0 {
		lease = 15 * time.Second
	}
	retry := resilience.RetryConfig{
		MaxAttempts:       cfg.ActivityDefaults.MaxAttempts,
		InitialDelay:      time.Duration(cfg.ActivityDefaults.RetryInitialMS) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.ActivityDefaults.MaxIntervalMS) * time.Millisecond,
		BackoffMultiplier: cfg.ActivityDefaults.BackoffCoeff,
		ShouldRetry:       faults.Retryable,
	}
	if retry.MaxAttempts <= 0 {
		retry = resilience.DefaultRetryConfig()
	}
	return &Engine{
		db:      db,
		emitter: emitter,
		log:     log,
		defaults: defaults{
			TaskQueue:     cfg.WorkflowDefaults.TaskQueue,
			Timeout:       time.Duration(cfg.WorkflowDefaults.TimeoutS) * time.Second,
			ActivityRetry: retry,
			StartToClose:  time.Duration(cfg.ActivityDefaults.StartToCloseS) * time.Second,
		},
		leaseInterval: lease,
		sem:           make(chan struct{}, concurrency),
		workflows:     make(map[string]WorkflowDefinition),
		activities:    make(map[string]ActivityDefinition),
		running:       make(map[string]*runHandle),
		rootCtx:       ctx,
		cancel:        cancel,
	}
}

// Migrate creates the execution tables.
func (e *Engine) Migrate() error {
	return e.db.AutoMigrate(&WorkflowExecution{}, &ActivityExecution{})
}

// Start creates a workflow execution and dispatches it. The workflow ID
// is the idempotency key: a second Start with the same ID returns
// faults.ErrAlreadyExists with the existing run attached, unless the
// caller opts into ReuseAllowAfterTerminal and the previous run already
// reached a terminal status, in which case a fresh run supersedes it.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*Run, error) {
	def, err := e.workflowDef(opts.Type)
	if err != nil {
		return nil, err
	}
	if opts.WorkflowID == "" {
		return nil, faults.Newf(faults.Validation, "workflow id is required")
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}

	params := opts.Params
	if params == nil {
		params = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	lease := now.Add(3 * e.leaseInterval)
	rec := &WorkflowExecution{
		WorkflowID:    opts.WorkflowID,
		RunID:         uuid.NewString(),
		Type:          opts.Type,
		TaskQueue:     queue,
		Status:        StatusRunning,
		Params:        params,
		CorrelationID: opts.CorrelationID,
		StartedAt:     now,
		Deadline:      now.Add(timeout),
		LeaseUntil:    &lease,
	}

	if err := e.db.WithContext(ctx).Create(rec).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, faults.Newf(faults.Unknown, "create workflow execution: %v", err)
		}
		existing, lerr := e.load(ctx, opts.WorkflowID)
		if lerr != nil {
			return nil, lerr
		}
		if opts.Reuse != ReuseAllowAfterTerminal || !existing.Status.Terminal() {
			return runFromRecord(existing), faults.AlreadyExists(opts.WorkflowID)
		}
		// Supersede the terminal run in place, keeping the workflow ID.
		res := e.db.WithContext(ctx).Model(&WorkflowExecution{}).
			Where("workflow_id = ? AND run_id = ?", existing.WorkflowID, existing.RunID).
			Updates(map[string]interface{}{
				"run_id":           rec.RunID,
				"type":             rec.Type,
				"task_queue":       rec.TaskQueue,
				"status":           StatusRunning,
				"params":           params,
				"result":           nil,
				"error":            "",
				"correlation_id":   rec.CorrelationID,
				"started_at":       rec.StartedAt,
				"deadline":         rec.Deadline,
				"ended_at":         nil,
				"lease_until":      rec.LeaseUntil,
				"cancel_requested": false,
			})
		if res.Error != nil {
			return nil, faults.Newf(faults.Unknown, "supersede workflow execution: %v", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to another starter.
			existing, lerr = e.load(ctx, opts.WorkflowID)
			if lerr != nil {
				return nil, lerr
			}
			return runFromRecord(existing), faults.AlreadyExists(opts.WorkflowID)
		}
	}

	metrics.WorkflowsStartedTotal.WithLabelValues(opts.Type).Inc()
	e.dispatch(rec, def)
	return runFromRecord(rec), nil
}

// Get returns the current state of a workflow execution.
func (e *Engine) Get(ctx context.Context, workflowID string) (*Run, error) {
	rec, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return runFromRecord(rec), nil
}

// Cancel requests cancellation. The run's compensations fire and it
// ends with status cancelled. Cancelling a terminal run is a no-op.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	rec, err := e.load(ctx, workflowID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	if err := e.db.WithContext(ctx).Model(&WorkflowExecution{}).
		Where("workflow_id = ?", workflowID).
		Update("cancel_requested", true).Error; err != nil {
		return faults.Newf(faults.Unknown, "request cancel: %v", err)
	}
	e.mu.RLock()
	h := e.running[workflowID]
	e.mu.RUnlock()
	if h != nil {
		h.cancel()
	}
	return nil
}

// Signal delivers a named payload to a running workflow blocked in
// AwaitSignal. Signals to workflows not hosted by this process are a
// Validation fault; the engine runs single-process.
func (e *Engine) Signal(ctx context.Context, workflowID, name string, payload json.RawMessage) error {
	e.mu.RLock()
	h := e.running[workflowID]
	e.mu.RUnlock()
	if h == nil {
		rec, err := e.load(ctx, workflowID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return faults.Newf(faults.Conflict, "workflow %s already %s", workflowID, rec.Status)
		}
		return faults.Newf(faults.Validation, "workflow %s is not hosted here", workflowID)
	}
	select {
	case h.signalCh(name) <- payload:
		return nil
	case <-ctx.Done():
		return faults.Newf(faults.Timeout, "signal %s to %s: %v", name, workflowID, ctx.Err())
	}
}

// Recover re-dispatches running executions whose lease lapsed, typically
// after a crash. Call once at startup before accepting new work.
func (e *Engine) Recover(ctx context.Context) error {
	var orphans []WorkflowExecution
	cutoff := time.Now().UTC()
	if err := e.db.WithContext(ctx).
		Where("status = ? AND lease_until < ?", StatusRunning, cutoff).
		Find(&orphans).Error; err != nil {
		return faults.Newf(faults.Unknown, "scan lapsed executions: %v", err)
	}
	for i := range orphans {
		rec := orphans[i]
		def, err := e.workflowDef(rec.Type)
		if err != nil {
			e.log.Error("cannot recover workflow, type not registered",
				"workflow_id", rec.WorkflowID, "type", rec.Type)
			continue
		}
		e.log.Info("recovering workflow execution",
			"workflow_id", rec.WorkflowID, "run_id", rec.RunID, "type", rec.Type)
		e.dispatch(&rec, def)
	}
	return nil
}

// Stop cancels every hosted run and waits for them to unwind.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) load(ctx context.Context, workflowID string) (*WorkflowExecution, error) {
	var rec WorkflowExecution
	err := e.db.WithContext(ctx).Where("workflow_id = ?", workflowID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.NotFound, "workflow %s: %w", workflowID, faults.ErrNotFound)
	}
	if err != nil {
		return nil, faults.Newf(faults.Unknown, "load workflow execution: %v", err)
	}
	return &rec, nil
}

func (e *Engine) dispatch(rec *WorkflowExecution, def WorkflowDefinition) {
	h := &runHandle{runID: rec.RunID, signals: make(map[string]chan json.RawMessage)}
	e.mu.Lock()
	e.running[rec.WorkflowID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		defer func() {
			e.mu.Lock()
			delete(e.running, rec.WorkflowID)
			e.mu.Unlock()
		}()
		e.run(rec, def, h)
	}()
}

// run drives a single workflow execution to a terminal status.
func (e *Engine) run(rec *WorkflowExecution, def WorkflowDefinition, h *runHandle) {
	runCtx, cancel := context.WithDeadline(e.rootCtx, rec.Deadline)
	h.cancel = cancel
	defer cancel()

	stopLease := e.keepLeaseAlive(rec)
	defer stopLease()

	wc := newContext(runCtx, e, rec, h)

	start := time.Now()
	err := e.invoke(wc, def)
	metrics.WorkflowDuration.WithLabelValues(rec.Type).Observe(time.Since(start).Seconds())

	// Shutdown interrupts the run without finalizing it: the row stays
	// running with a lapsing lease and Recover resumes it on restart.
	if err != nil && e.rootCtx.Err() != nil && !wc.cancelled() && !e.cancelRequested(rec) {
		e.log.Info("workflow interrupted by shutdown, left for recovery",
			"workflow_id", rec.WorkflowID, "run_id", rec.RunID)
		return
	}

	status, final := e.settle(wc, rec, err)
	if uerr := e.finish(rec, status, wc.result, final); uerr != nil {
		e.log.Error("persist terminal status failed",
			"workflow_id", rec.WorkflowID, "status", status, "error", uerr)
	}
	metrics.WorkflowsFinishedTotal.WithLabelValues(rec.Type, string(status)).Inc()
	e.log.Info("workflow finished",
		"workflow_id", rec.WorkflowID, "run_id", rec.RunID, "status", status)
}

// invoke runs the workflow function, converting panics into faults so a
// buggy workflow cannot take the worker down.
func (e *Engine) invoke(wc *Context, def WorkflowDefinition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.Newf(faults.Unknown, "workflow panic: %v", r)
		}
	}()
	return def.Fn(wc)
}

// settle maps the workflow outcome onto a terminal status, running the
// saga where the outcome calls for it. Error paths always end failed,
// even when every compensation succeeded: compensation restores the
// world, it does not rewrite the verdict.
func (e *Engine) settle(wc *Context, rec *WorkflowExecution, err error) (Status, string) {
	switch {
	case err == nil:
		return StatusCompleted, ""
	case errors.Is(err, errAborted):
		wc.unwind(e.log)
		var ab *AbortError
		if errors.As(err, &ab) {
			return StatusCompensated, ab.Reason
		}
		return StatusCompensated, err.Error()
	case wc.cancelled() || (errors.Is(err, context.Canceled) && e.cancelRequested(rec)):
		wc.unwind(e.log)
		return StatusCancelled, "cancelled by request"
	case errors.Is(err, context.DeadlineExceeded):
		wc.unwind(e.log)
		return StatusFailed, fmt.Sprintf("deadline exceeded after %s", time.Since(rec.StartedAt).Round(time.Second))
	default:
		// Any failure surfacing out of the workflow unwinds the saga, so a
		// failed run never leaves side effects without matching undo events.
		wc.unwind(e.log)
		return StatusFailed, err.Error()
	}
}

func (e *Engine) cancelRequested(rec *WorkflowExecution) bool {
	var requested bool
	e.db.Model(&WorkflowExecution{}).
		Where("workflow_id = ? AND run_id = ?", rec.WorkflowID, rec.RunID).
		Pluck("cancel_requested", &requested)
	return requested
}

func (e *Engine) finish(rec *WorkflowExecution, status Status, result json.RawMessage, errMsg string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":   status,
		"ended_at": now,
		"error":    errMsg,
	}
	if result != nil {
		updates["result"] = result
	}
	return e.db.Model(&WorkflowExecution{}).
		Where("workflow_id = ? AND run_id = ?", rec.WorkflowID, rec.RunID).
		Updates(updates).Error
}

// keepLeaseAlive renews the execution lease until the returned stop
// function is called. A lapsed lease is how Recover spots orphans, so
// the renewal window is three intervals wide to ride out slow ticks.
func (e *Engine) keepLeaseAlive(rec *WorkflowExecution) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(e.leaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := e.db.Model(&WorkflowExecution{}).
					Where("workflow_id = ? AND run_id = ?", rec.WorkflowID, rec.RunID).
					Update("lease_until", time.Now().UTC().Add(3*e.leaseInterval)).Error
				if err != nil {
					e.log.Warn("lease renewal failed",
						"workflow_id", rec.WorkflowID, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
