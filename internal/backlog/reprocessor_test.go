package backlog_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/careflow-go/internal/backlog"
	"github.com/careflow-go/internal/engine"
	"github.com/careflow-go/internal/engine/bootstrap"
	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/internal/listener"
	"github.com/careflow-go/internal/projection"
	"github.com/careflow-go/pkg/config"
	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/resilience"
)

type stubDNS struct{}

func (stubDNS) Configure(context.Context, string, string) error { return nil }
func (stubDNS) Remove(context.Context, string) error            { return nil }

type stubMailer struct{}

func (stubMailer) Send(context.Context, string, string, string) error { return nil }

func registry() *eventstore.Registry {
	org := func(eventType string) eventstore.Definition {
		return eventstore.Definition{EventType: eventType, StreamType: "organization"}
	}
	inv := func(eventType string) eventstore.Definition {
		return eventstore.Definition{EventType: eventType, StreamType: "invitation"}
	}
	return eventstore.NewRegistry(
		eventstore.Definition{
			EventType: "organization.bootstrap.initiated", StreamType: "organization",
			Trigger: true, WorkflowType: bootstrap.WorkflowType, TaskQueue: "default",
		},
		org("organization.created"),
		org("organization.activated"),
		org("organization.deactivated"),
		org("dns.configured"),
		org("dns.removed"),
		inv("invitation.created"),
		inv("invitation.email.sent"),
		inv("invitation.cancelled"),
		eventstore.Definition{EventType: backlog.AlertEventType, StreamType: "workflow"},
	)
}

func setup(t *testing.T, maxRetry int) (*backlog.Reprocessor, *eventstore.Store, *database.DB, *engine.Engine) {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db := database.Wrap(gormDB)

	log := logger.NewNop()
	require.NoError(t, eventstore.Migrate(db))
	require.NoError(t, projection.Migrate(db))

	store := eventstore.New(db, registry(), log,
		eventstore.WithProjector(projection.NewRouter(log)))

	e := engine.New(db, store, log, config.EngineConfig{
		WorkflowDefaults:  config.WorkflowDefaults{TimeoutS: 30, TaskQueue: "default"},
		ActivityDefaults:  config.ActivityDefaults{RetryInitialMS: 1, BackoffCoeff: 2, MaxIntervalMS: 5, MaxAttempts: 3, StartToCloseS: 5},
		WorkerConcurrency: 4,
		LeaseIntervalS:    1,
	})
	require.NoError(t, e.Migrate())
	t.Cleanup(e.Stop)

	fast := resilience.RetryConfig{
		MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
		BackoffMultiplier: 2.0, ShouldRetry: faults.Retryable,
	}
	bootstrap.Register(e, bootstrap.Deps{
		DNS: stubDNS{}, Mailer: stubMailer{}, DNSRetry: fast, EmailRetry: fast,
	})

	proc := listener.NewProcessor(store, e, log)
	r := backlog.New(db, store, store, proc, config.BacklogConfig{
		PollIntervalS: 60, Concurrency: 2, MaxRetry: maxRetry, StartsPerSecond: 100,
	}, log)
	return r, store, db, e
}

func TestSweepProcessesPendingTriggers(t *testing.T) {
	r, store, _, e := setup(t, 3)

	ev, err := store.Append(context.Background(), eventstore.AppendRequest{
		StreamID:   "org-sweep-1",
		StreamType: "organization",
		EventType:  "organization.bootstrap.initiated",
		EventData: map[string]interface{}{
			"subdomain": "sweepco",
			"users":     []map[string]interface{}{{"email": "a@sweep.test", "name": "A", "role": "admin"}},
		},
	})
	require.NoError(t, err)
	require.Nil(t, ev.ProcessedAt)

	require.NoError(t, r.Sweep(context.Background()))

	settled, err := store.GetByID(context.Background(), ev.EventID)
	require.NoError(t, err)
	require.NotNil(t, settled.ProcessedAt)

	workflowID := listener.WorkflowID(bootstrap.WorkflowType, "org-sweep-1")
	require.Eventually(t, func() bool {
		run, gerr := e.Get(context.Background(), workflowID)
		return gerr == nil && run.Status == engine.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSweepIsIdempotent(t *testing.T) {
	r, store, db, e := setup(t, 3)

	_, err := store.Append(context.Background(), eventstore.AppendRequest{
		StreamID:   "org-sweep-2",
		StreamType: "organization",
		EventType:  "organization.bootstrap.initiated",
		EventData:  map[string]interface{}{"subdomain": "twice"},
	})
	require.NoError(t, err)

	require.NoError(t, r.Sweep(context.Background()))
	workflowID := listener.WorkflowID(bootstrap.WorkflowType, "org-sweep-2")
	require.Eventually(t, func() bool {
		run, gerr := e.Get(context.Background(), workflowID)
		return gerr == nil && run.Status == engine.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Sweep(context.Background()))

	var created int64
	require.NoError(t, db.Model(&eventstore.Event{}).
		Where("event_type = ?", "organization.created").Count(&created).Error)
	assert.Equal(t, int64(1), created)
}

func TestExhaustedTriggerAbandonedWithAlert(t *testing.T) {
	r, store, db, _ := setup(t, 2)

	// A trigger that already burned its budget in earlier sweeps.
	lastErr := "engine unreachable"
	ev := &eventstore.Event{
		EventID:         "ev-exhausted-1",
		StreamID:        "org-gone-1",
		StreamType:      "organization",
		StreamVersion:   1,
		EventType:       "organization.bootstrap.initiated",
		EventData:       json.RawMessage(`{"subdomain":"gone"}`),
		EventMetadata:   eventstore.Metadata{},
		CreatedAt:       time.Now().UTC(),
		RetryCount:      3,
		ProcessingError: &lastErr,
	}
	require.NoError(t, db.Create(ev).Error)

	require.NoError(t, r.Sweep(context.Background()))

	settled, err := store.GetByID(context.Background(), "ev-exhausted-1")
	require.NoError(t, err)
	require.NotNil(t, settled.ProcessedAt, "abandoned triggers leave the sweep set")
	require.NotNil(t, settled.ProcessingError)
	assert.Contains(t, *settled.ProcessingError, "abandoned after 3 attempts")

	var alerts []eventstore.Event
	require.NoError(t, db.Where("event_type = ?", backlog.AlertEventType).Find(&alerts).Error)
	require.Len(t, alerts, 1)
	assert.Equal(t, "org-gone-1", alerts[0].StreamID)
	assert.Equal(t, "workflow", alerts[0].StreamType)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(alerts[0].EventData, &data))
	assert.Equal(t, "ev-exhausted-1", data["event_id"])
	assert.Equal(t, "engine unreachable", data["last_error"])

	// No workflow was started for the abandoned trigger.
	var runs int64
	require.NoError(t, db.Model(&engine.WorkflowExecution{}).Count(&runs).Error)
	assert.Zero(t, runs)
}
