package engine

import (
	"encoding/json"
	"time"

	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/resilience"
)

// WorkflowFn is the orchestration function of one workflow type. It runs on
// a worker goroutine and may only touch the outside world through its
// Context: activities do I/O, the workflow decides order, branching, and
// compensation.
type WorkflowFn func(ctx *Context) error

// ActivityFn performs one side-effecting step. Activities must be
// idempotent with respect to their input: the engine re-executes them on
// retry and on crash recovery.
type ActivityFn func(ctx *ActivityContext, input json.RawMessage) (interface{}, error)

// WorkflowDefinition registers a workflow type with the engine.
type WorkflowDefinition struct {
	Type      string
	TaskQueue string
	Timeout   time.Duration
	Fn        WorkflowFn
}

// ActivityDefinition registers an activity with its retry profile.
type ActivityDefinition struct {
	Name         string
	Fn           ActivityFn
	Retry        resilience.RetryConfig
	StartToClose time.Duration
}

// RegisterWorkflow adds a workflow type. Unknown task queues get the
// configured default.
func (e *Engine) RegisterWorkflow(def WorkflowDefinition) {
	if def.TaskQueue == "" {
		def.TaskQueue = e.defaults.TaskQueue
	}
	if def.Timeout <= 0 {
		def.Timeout = e.defaults.Timeout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Type] = def
}

// RegisterActivity adds an activity. Zero-valued retry fields inherit the
// engine-wide activity defaults.
func (e *Engine) RegisterActivity(def ActivityDefinition) {
	if def.Retry.MaxAttempts == 0 {
		def.Retry.MaxAttempts = e.defaults.ActivityRetry.MaxAttempts
	}
	if def.Retry.InitialDelay == 0 {
		def.Retry.InitialDelay = e.defaults.ActivityRetry.InitialDelay
	}
	if def.Retry.MaxDelay == 0 {
		def.Retry.MaxDelay = e.defaults.ActivityRetry.MaxDelay
	}
	if def.Retry.BackoffMultiplier == 0 {
		def.Retry.BackoffMultiplier = e.defaults.ActivityRetry.BackoffMultiplier
	}
	if def.Retry.ShouldRetry == nil {
		def.Retry.ShouldRetry = faults.Retryable
	}
	if def.StartToClose <= 0 {
		def.StartToClose = e.defaults.StartToClose
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[def.Name] = def
}

func (e *Engine) workflowDef(workflowType string) (WorkflowDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[workflowType]
	if !ok {
		return WorkflowDefinition{}, faults.Newf(faults.Validation, "unknown workflow type %q", workflowType)
	}
	return def, nil
}

func (e *Engine) activityDef(name string) (ActivityDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.activities[name]
	if !ok {
		return ActivityDefinition{}, faults.Newf(faults.Validation, "unknown activity %q", name)
	}
	return def, nil
}
