package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/config"
	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
)

type nopEmitter struct{}

func (nopEmitter) AppendWithRetry(_ context.Context, req eventstore.AppendRequest) (*eventstore.Event, error) {
	return &eventstore.Event{EventType: req.EventType, StreamID: req.StreamID}, nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	e := New(database.Wrap(gormDB), nopEmitter{}, logger.NewNop(), config.EngineConfig{
		WorkflowDefaults:  config.WorkflowDefaults{TimeoutS: 30, TaskQueue: "default"},
		ActivityDefaults:  config.ActivityDefaults{RetryInitialMS: 1, BackoffCoeff: 2, MaxIntervalMS: 10, MaxAttempts: 3, StartToCloseS: 5},
		WorkerConcurrency: 4,
		LeaseIntervalS:    1,
	})
	require.NoError(t, e.Migrate())
	t.Cleanup(e.Stop)
	return e
}

func waitForStatus(t *testing.T, e *Engine, workflowID string, want Status) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		var err error
		run, err = e.Get(context.Background(), workflowID)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "workflow %s never reached %s", workflowID, want)
	return run
}

func TestStartRunsToCompletion(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterActivity(ActivityDefinition{
		Name: "double",
		Fn: func(_ *ActivityContext, input json.RawMessage) (interface{}, error) {
			var n int
			require.NoError(t, json.Unmarshal(input, &n))
			return n * 2, nil
		},
	})
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "doubler",
		Fn: func(ctx *Context) error {
			var n int
			if err := ctx.DecodeParams(&n); err != nil {
				return err
			}
			var out int
			if err := ctx.ExecuteActivity("double", n, &out); err != nil {
				return err
			}
			return ctx.SetResult(out)
		},
	})

	run, err := e.Start(context.Background(), StartOptions{
		Type: "doubler", WorkflowID: "doubler-21", Params: json.RawMessage("21"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)

	done := waitForStatus(t, e, "doubler-21", StatusCompleted)
	assert.JSONEq(t, "42", string(done.Result))
	assert.NotNil(t, done.EndedAt)
}

func TestStartDuplicateReturnsAlreadyExists(t *testing.T) {
	e := newTestEngine(t)
	release := make(chan struct{})
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "waiter",
		Fn: func(ctx *Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Context().Done():
				return ctx.Context().Err()
			}
		},
	})

	first, err := e.Start(context.Background(), StartOptions{Type: "waiter", WorkflowID: "waiter-1"})
	require.NoError(t, err)

	second, err := e.Start(context.Background(), StartOptions{Type: "waiter", WorkflowID: "waiter-1"})
	require.ErrorIs(t, err, faults.ErrAlreadyExists)
	assert.Equal(t, faults.Conflict, faults.KindOf(err))
	require.NotNil(t, second)
	assert.Equal(t, first.RunID, second.RunID)

	close(release)
	waitForStatus(t, e, "waiter-1", StatusCompleted)
}

func TestReuseAfterTerminal(t *testing.T) {
	e := newTestEngine(t)
	var runs atomic.Int64
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "once",
		Fn: func(ctx *Context) error {
			runs.Add(1)
			return nil
		},
	})

	first, err := e.Start(context.Background(), StartOptions{Type: "once", WorkflowID: "once-1"})
	require.NoError(t, err)
	waitForStatus(t, e, "once-1", StatusCompleted)

	// Default policy still rejects after the run finished.
	_, err = e.Start(context.Background(), StartOptions{Type: "once", WorkflowID: "once-1"})
	require.ErrorIs(t, err, faults.ErrAlreadyExists)

	second, err := e.Start(context.Background(), StartOptions{
		Type: "once", WorkflowID: "once-1", Reuse: ReuseAllowAfterTerminal,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	waitForStatus(t, e, "once-1", StatusCompleted)
	assert.Equal(t, int64(2), runs.Load())
}

func TestFailureUnwindsSagaAndEndsFailed(t *testing.T) {
	e := newTestEngine(t)
	var undone []string
	e.RegisterActivity(ActivityDefinition{
		Name: "effect",
		Fn: func(_ *ActivityContext, _ json.RawMessage) (interface{}, error) {
			return nil, nil
		},
	})
	e.RegisterActivity(ActivityDefinition{
		Name: "undo-effect",
		Fn: func(_ *ActivityContext, input json.RawMessage) (interface{}, error) {
			var tag string
			require.NoError(t, json.Unmarshal(input, &tag))
			undone = append(undone, tag)
			return nil, nil
		},
	})
	e.RegisterActivity(ActivityDefinition{
		Name: "explode",
		Fn: func(_ *ActivityContext, _ json.RawMessage) (interface{}, error) {
			return nil, faults.Newf(faults.Validation, "bad input")
		},
	})
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "fragile",
		Fn: func(ctx *Context) error {
			for _, tag := range []string{"a", "b"} {
				if err := ctx.Compensate("undo-effect", tag); err != nil {
					return err
				}
				if err := ctx.ExecuteActivity("effect", tag, nil); err != nil {
					return err
				}
			}
			return ctx.ExecuteActivity("explode", nil, nil)
		},
	})

	_, err := e.Start(context.Background(), StartOptions{Type: "fragile", WorkflowID: "fragile-1"})
	require.NoError(t, err)

	run := waitForStatus(t, e, "fragile-1", StatusFailed)
	assert.Contains(t, run.Error, "bad input")
	// Reverse order of registration.
	assert.Equal(t, []string{"b", "a"}, undone)
}

func TestAbortEndsCompensated(t *testing.T) {
	e := newTestEngine(t)
	var undone atomic.Int64
	e.RegisterActivity(ActivityDefinition{
		Name: "undo",
		Fn: func(_ *ActivityContext, _ json.RawMessage) (interface{}, error) {
			undone.Add(1)
			return nil, nil
		},
	})
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "self-abort",
		Fn: func(ctx *Context) error {
			if err := ctx.Compensate("undo", nil); err != nil {
				return err
			}
			return Abort("precondition no longer holds")
		},
	})

	_, err := e.Start(context.Background(), StartOptions{Type: "self-abort", WorkflowID: "abort-1"})
	require.NoError(t, err)

	run := waitForStatus(t, e, "abort-1", StatusCompensated)
	assert.Contains(t, run.Error, "precondition no longer holds")
	assert.Equal(t, int64(1), undone.Load())
}

func TestCancelUnwindsAndEndsCancelled(t *testing.T) {
	e := newTestEngine(t)
	var undone atomic.Int64
	started := make(chan struct{})
	e.RegisterActivity(ActivityDefinition{
		Name: "undo",
		Fn: func(_ *ActivityContext, _ json.RawMessage) (interface{}, error) {
			undone.Add(1)
			return nil, nil
		},
	})
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "cancellable",
		Fn: func(ctx *Context) error {
			if err := ctx.Compensate("undo", nil); err != nil {
				return err
			}
			close(started)
			return ctx.Sleep(time.Hour)
		},
	})

	_, err := e.Start(context.Background(), StartOptions{Type: "cancellable", WorkflowID: "cancel-1"})
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Cancel(context.Background(), "cancel-1"))
	run := waitForStatus(t, e, "cancel-1", StatusCancelled)
	assert.NotNil(t, run.EndedAt)
	assert.Equal(t, int64(1), undone.Load())

	// Cancelling a terminal run is a no-op.
	require.NoError(t, e.Cancel(context.Background(), "cancel-1"))
}

func TestActivityRetriesTransientErrors(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int64
	e.RegisterActivity(ActivityDefinition{
		Name: "flaky",
		Fn: func(_ *ActivityContext, _ json.RawMessage) (interface{}, error) {
			if calls.Add(1) < 3 {
				return nil, faults.Newf(faults.Transient, "provider hiccup")
			}
			return "ok", nil
		},
	})
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "retrier",
		Fn: func(ctx *Context) error {
			var out string
			if err := ctx.ExecuteActivity("flaky", nil, &out); err != nil {
				return err
			}
			return ctx.SetResult(out)
		},
	})

	_, err := e.Start(context.Background(), StartOptions{Type: "retrier", WorkflowID: "retry-1"})
	require.NoError(t, err)

	run := waitForStatus(t, e, "retry-1", StatusCompleted)
	assert.JSONEq(t, `"ok"`, string(run.Result))
	assert.Equal(t, int64(3), calls.Load())

	var memo ActivityExecution
	require.NoError(t, e.db.Where("run_id = ? AND name = ?", run.RunID, "flaky").First(&memo).Error)
	assert.Equal(t, 3, memo.Attempts)
	assert.Equal(t, activityCompleted, memo.Status)
}

func TestValidationErrorDoesNotRetry(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int64
	e.RegisterActivity(ActivityDefinition{
		Name: "strict",
		Fn: func(_ *ActivityContext, _ json.RawMessage) (interface{}, error) {
			calls.Add(1)
			return nil, faults.Newf(faults.Validation, "malformed")
		},
	})
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "strict-wf",
		Fn: func(ctx *Context) error {
			return ctx.ExecuteActivity("strict", nil, nil)
		},
	})

	_, err := e.Start(context.Background(), StartOptions{Type: "strict-wf", WorkflowID: "strict-1"})
	require.NoError(t, err)
	waitForStatus(t, e, "strict-1", StatusFailed)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRecoverResumesLapsedRunSkippingMemoizedActivities(t *testing.T) {
	e := newTestEngine(t)
	var firstCalls, secondCalls atomic.Int64
	register := func(eng *Engine) {
		eng.RegisterActivity(ActivityDefinition{
			Name: "step-one",
			Fn: func(_ *ActivityContext, _ json.RawMessage) (interface{}, error) {
				firstCalls.Add(1)
				return "one", nil
			},
		})
		eng.RegisterActivity(ActivityDefinition{
			Name: "step-two",
			Fn: func(_ *ActivityContext, _ json.RawMessage) (interface{}, error) {
				secondCalls.Add(1)
				return "two", nil
			},
		})
		eng.RegisterWorkflow(WorkflowDefinition{
			Type: "two-step",
			Fn: func(ctx *Context) error {
				if err := ctx.ExecuteActivity("step-one", nil, nil); err != nil {
					return err
				}
				return ctx.ExecuteActivity("step-two", nil, nil)
			},
		})
	}
	register(e)

	// A crashed run: row exists with a lapsed lease and step-one already
	// memoized, as if the process died between the two activities.
	lapsed := time.Now().UTC().Add(-time.Minute)
	now := time.Now().UTC()
	require.NoError(t, e.db.Create(&WorkflowExecution{
		WorkflowID: "two-step-1",
		RunID:      "run-orphan",
		Type:       "two-step",
		TaskQueue:  "default",
		Status:     StatusRunning,
		Params:     json.RawMessage("{}"),
		StartedAt:  now.Add(-time.Minute),
		Deadline:   now.Add(time.Hour),
		LeaseUntil: &lapsed,
	}).Error)
	out := json.RawMessage(`"one"`)
	require.NoError(t, e.db.Create(&ActivityExecution{
		RunID:       "run-orphan",
		ActivityID:  "1-step-one",
		Name:        "step-one",
		Status:      activityCompleted,
		Attempts:    1,
		Output:      out,
		CompletedAt: &now,
	}).Error)

	require.NoError(t, e.Recover(context.Background()))
	waitForStatus(t, e, "two-step-1", StatusCompleted)

	assert.Equal(t, int64(0), firstCalls.Load(), "memoized activity must not re-execute")
	assert.Equal(t, int64(1), secondCalls.Load())
}

func TestShutdownLeavesInFlightActivityForRecovery(t *testing.T) {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db := database.Wrap(gormDB)

	cfg := config.EngineConfig{
		WorkflowDefaults:  config.WorkflowDefaults{TimeoutS: 30, TaskQueue: "default"},
		ActivityDefaults:  config.ActivityDefaults{RetryInitialMS: 1, BackoffCoeff: 2, MaxIntervalMS: 10, MaxAttempts: 3, StartToCloseS: 5},
		WorkerConcurrency: 4,
		LeaseIntervalS:    1,
	}

	var calls atomic.Int64
	entered := make(chan struct{})
	register := func(eng *Engine) {
		eng.RegisterActivity(ActivityDefinition{
			Name: "slow",
			Fn: func(ctx *ActivityContext, _ json.RawMessage) (interface{}, error) {
				if calls.Add(1) == 1 {
					close(entered)
					<-ctx.Context().Done()
					return nil, ctx.Context().Err()
				}
				return "ok", nil
			},
		})
		eng.RegisterWorkflow(WorkflowDefinition{
			Type: "one-slow-step",
			Fn: func(ctx *Context) error {
				return ctx.ExecuteActivity("slow", nil, nil)
			},
		})
	}

	first := New(db, nopEmitter{}, logger.NewNop(), cfg)
	require.NoError(t, first.Migrate())
	register(first)
	_, err = first.Start(context.Background(), StartOptions{Type: "one-slow-step", WorkflowID: "one-slow-step-1"})
	require.NoError(t, err)
	<-entered
	first.Stop()

	// Interrupted, not finalized: the row stays running and the aborted
	// attempt leaves no memo that a replay could mistake for the
	// activity's real outcome.
	run, err := first.Get(context.Background(), "one-slow-step-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	var memos int64
	require.NoError(t, db.Model(&ActivityExecution{}).
		Where("run_id = ?", run.RunID).Count(&memos).Error)
	assert.Zero(t, memos, "shutdown must not memoize the in-flight activity")

	// The lease lapses, then a fresh process picks the run up and the
	// activity gets its retry.
	lapsed := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&WorkflowExecution{}).
		Where("workflow_id = ?", "one-slow-step-1").
		Update("lease_until", lapsed).Error)

	second := New(db, nopEmitter{}, logger.NewNop(), cfg)
	t.Cleanup(second.Stop)
	register(second)
	require.NoError(t, second.Recover(context.Background()))
	waitForStatus(t, second, "one-slow-step-1", StatusCompleted)
	assert.Equal(t, int64(2), calls.Load())
}

func TestSignalDelivery(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterWorkflow(WorkflowDefinition{
		Type: "approval",
		Fn: func(ctx *Context) error {
			var decision string
			if err := ctx.AwaitSignal("decision", 5*time.Second, &decision); err != nil {
				return err
			}
			return ctx.SetResult(decision)
		},
	})

	_, err := e.Start(context.Background(), StartOptions{Type: "approval", WorkflowID: "approval-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		err := e.Signal(context.Background(), "approval-1", "decision", json.RawMessage(`"approved"`))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	run := waitForStatus(t, e, "approval-1", StatusCompleted)
	assert.JSONEq(t, `"approved"`, string(run.Result))
}

func TestGetUnknownWorkflow(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Get(context.Background(), "no-such-workflow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrNotFound))
	assert.Equal(t, faults.NotFound, faults.KindOf(err))
}

func TestStartUnknownTypeRejected(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Start(context.Background(), StartOptions{Type: "ghost", WorkflowID: "ghost-1"})
	require.Error(t, err)
	assert.Equal(t, faults.Validation, faults.KindOf(err))
}
