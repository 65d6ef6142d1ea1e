package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/metrics"
	"github.com/careflow-go/pkg/resilience"
)

// errAborted marks a deliberate self-compensation. Raised via Abort.
var errAborted = errors.New("workflow aborted")

// AbortError is returned by a workflow that decides to undo its own
// work. The run unwinds its compensations and ends compensated rather
// than failed.
type AbortError struct {
	Reason string
}

func (a *AbortError) Error() string { return fmt.Sprintf("aborted: %s", a.Reason) }
func (a *AbortError) Unwrap() error { return errAborted }

// Abort builds the error a workflow function returns to trigger its own
// compensation chain.
func Abort(reason string) error { return &AbortError{Reason: reason} }

// Context is the handle a workflow function drives its run through.
// Activity calls are memoized by a deterministic per-run sequence, so a
// recovered run replays the function and skips completed steps.
type Context struct {
	ctx    context.Context
	engine *Engine
	rec    *WorkflowExecution
	handle *runHandle
	saga   *saga
	seq    atomic.Int64
	result json.RawMessage

	wasCancelled atomic.Bool
}

func newContext(ctx context.Context, e *Engine, rec *WorkflowExecution, h *runHandle) *Context {
	return &Context{ctx: ctx, engine: e, rec: rec, handle: h, saga: &saga{}}
}

func (wc *Context) Context() context.Context { return wc.ctx }
func (wc *Context) WorkflowID() string       { return wc.rec.WorkflowID }
func (wc *Context) RunID() string            { return wc.rec.RunID }
func (wc *Context) Logger() logger.Logger    { return wc.engine.log }

func (wc *Context) cancelled() bool { return wc.wasCancelled.Load() }

// DecodeParams unmarshals the start parameters into out.
func (wc *Context) DecodeParams(out interface{}) error {
	if err := json.Unmarshal(wc.rec.Params, out); err != nil {
		return faults.Newf(faults.Validation, "decode workflow params: %v", err)
	}
	return nil
}

// SetResult records the value returned to Get callers once the run
// completes.
func (wc *Context) SetResult(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return faults.Newf(faults.Unknown, "encode workflow result: %v", err)
	}
	wc.result = raw
	return nil
}

// Compensate registers an undo step that fires if the run later fails,
// aborts, or is cancelled. Register the compensation BEFORE executing
// the step it undoes, so a half-applied side effect is still covered.
func (wc *Context) Compensate(activity string, input interface{}) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return faults.Newf(faults.Unknown, "encode compensation input: %v", err)
	}
	wc.saga.push(activity, raw)
	return nil
}

// ExecuteActivity runs a registered activity with retries and memoizes
// the outcome. Replaying the same call in the same run returns the
// stored result without re-invoking the function. A memoized failure
// replays as the same failure.
func (wc *Context) ExecuteActivity(name string, input interface{}, out interface{}) error {
	activityID := fmt.Sprintf("%d-%s", wc.seq.Add(1), name)
	return wc.execute(activityID, name, input, out)
}

func (wc *Context) execute(activityID, name string, input interface{}, out interface{}) error {
	def, err := wc.engine.activityDef(name)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return faults.Newf(faults.Unknown, "encode activity input: %v", err)
	}

	if memo, ok := wc.memoized(activityID); ok {
		if memo.Status == activityFailed {
			return faults.Newf(faults.Unknown, "activity %s: %s", name, memo.Error)
		}
		return decodeOutput(memo.Output, out)
	}

	attempts := 0
	output, err := resilience.RetryWithResult(wc.ctx, def.Retry, func() (interface{}, error) {
		attempts++
		actCtx, cancel := context.WithTimeout(wc.ctx, def.StartToClose)
		defer cancel()
		ac := &ActivityContext{
			ctx:        actCtx,
			engine:     wc.engine,
			rec:        wc.rec,
			activityID: activityID,
			name:       name,
			attempt:    attempts,
		}
		res, ferr := def.Fn(ac, raw)
		outcome := "ok"
		if ferr != nil {
			outcome = "error"
		}
		metrics.ActivityAttemptsTotal.WithLabelValues(name, outcome).Inc()
		return res, ferr
	})
	if err != nil {
		if wc.ctx.Err() != nil {
			// The run context ended, not the activity. On shutdown the row
			// stays running and Recover replays the workflow, so the
			// in-flight activity must not leave a failed memo behind: the
			// recovered run retries it instead of replaying the failure.
			if wc.engine.cancelRequested(wc.rec) {
				wc.wasCancelled.Store(true)
			}
			return fmt.Errorf("activity %s: %w", name, err)
		}
		wc.memoize(activityID, name, raw, nil, attempts, err)
		return fmt.Errorf("activity %s: %w", name, err)
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return faults.Newf(faults.Unknown, "encode activity output: %v", err)
	}
	wc.memoize(activityID, name, raw, encoded, attempts, nil)
	return decodeOutput(encoded, out)
}

// runCompensation executes one undo step. Compensations run outside the
// workflow deadline and survive run cancellation, so they get their own
// bounded context.
func (wc *Context) runCompensation(step compensation) error {
	def, err := wc.engine.activityDef(step.activity)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), def.StartToClose)
	defer cancel()
	ac := &ActivityContext{
		ctx:        ctx,
		engine:     wc.engine,
		rec:        wc.rec,
		activityID: fmt.Sprintf("comp-%d-%s", wc.seq.Add(1), step.activity),
		name:       step.activity,
		attempt:    1,
	}
	_, err = def.Fn(ac, step.input)
	return err
}

// Sleep is a durable timer. The wakeup time persists, so a recovered
// run waits only the remaining interval instead of restarting the
// clock.
func (wc *Context) Sleep(d time.Duration) error {
	activityID := fmt.Sprintf("%d-timer", wc.seq.Add(1))

	fireAt := time.Now().UTC().Add(d)
	if memo, ok := wc.memoized(activityID); ok {
		if memo.CompletedAt != nil {
			return nil
		}
		if memo.FireAt != nil {
			fireAt = *memo.FireAt
		}
	} else {
		rec := &ActivityExecution{
			RunID:      wc.rec.RunID,
			ActivityID: activityID,
			Name:       "timer",
			Status:     activityRunning,
			FireAt:     &fireAt,
		}
		if err := wc.engine.db.Create(rec).Error; err != nil {
			return faults.Newf(faults.Unknown, "persist timer: %v", err)
		}
	}

	remaining := time.Until(fireAt)
	if remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-wc.ctx.Done():
			if wc.engine.cancelRequested(wc.rec) {
				wc.wasCancelled.Store(true)
			}
			return wc.ctx.Err()
		}
	}
	now := time.Now().UTC()
	return wc.engine.db.Model(&ActivityExecution{}).
		Where("run_id = ? AND activity_id = ?", wc.rec.RunID, activityID).
		Updates(map[string]interface{}{"status": activityCompleted, "completed_at": now}).Error
}

// AwaitSignal blocks until a named signal arrives or the timeout lapses.
func (wc *Context) AwaitSignal(name string, timeout time.Duration, out interface{}) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-wc.handle.signalCh(name):
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return faults.Newf(faults.Validation, "decode signal %s: %v", name, err)
		}
		return nil
	case <-timer.C:
		return faults.Newf(faults.Timeout, "signal %s not received within %s", name, timeout)
	case <-wc.ctx.Done():
		if wc.engine.cancelRequested(wc.rec) {
			wc.wasCancelled.Store(true)
		}
		return wc.ctx.Err()
	}
}

func (wc *Context) memoized(activityID string) (*ActivityExecution, bool) {
	var rec ActivityExecution
	err := wc.engine.db.
		Where("run_id = ? AND activity_id = ?", wc.rec.RunID, activityID).
		First(&rec).Error
	if err != nil {
		return nil, false
	}
	return &rec, true
}

func (wc *Context) memoize(activityID, name string, input, output json.RawMessage, attempts int, fnErr error) {
	now := time.Now().UTC()
	rec := &ActivityExecution{
		RunID:       wc.rec.RunID,
		ActivityID:  activityID,
		Name:        name,
		Status:      activityCompleted,
		Attempts:    attempts,
		Input:       input,
		Output:      output,
		CompletedAt: &now,
	}
	if fnErr != nil {
		rec.Status = activityFailed
		rec.Error = fnErr.Error()
		rec.Output = nil
	}
	if err := wc.engine.db.Save(rec).Error; err != nil {
		wc.engine.log.Error("memoize activity failed",
			"run_id", wc.rec.RunID, "activity_id", activityID, "error", err)
	}
}

func decodeOutput(raw json.RawMessage, out interface{}) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return faults.Newf(faults.Unknown, "decode activity output: %v", err)
	}
	return nil
}

// ActivityContext is what an activity function sees: a bounded context,
// the run it belongs to, and an event emitter that stamps provenance.
type ActivityContext struct {
	ctx        context.Context
	engine     *Engine
	rec        *WorkflowExecution
	activityID string
	name       string
	attempt    int
}

func (ac *ActivityContext) Context() context.Context { return ac.ctx }
func (ac *ActivityContext) WorkflowID() string       { return ac.rec.WorkflowID }
func (ac *ActivityContext) Attempt() int             { return ac.attempt }
func (ac *ActivityContext) Logger() logger.Logger    { return ac.engine.log }

// EmitEvent appends a domain event stamped with the run's provenance,
// so downstream queries can trace it back to this workflow and
// activity.
func (ac *ActivityContext) EmitEvent(req eventstore.AppendRequest) (*eventstore.Event, error) {
	prov := eventstore.Provenance{
		WorkflowID:    ac.rec.WorkflowID,
		WorkflowRunID: ac.rec.RunID,
		WorkflowType:  ac.rec.Type,
		ActivityID:    ac.activityID,
	}
	if req.Metadata == nil {
		req.Metadata = eventstore.Metadata{}
	}
	prov.Apply(req.Metadata)
	return ac.engine.emitter.AppendWithRetry(ac.ctx, req)
}
