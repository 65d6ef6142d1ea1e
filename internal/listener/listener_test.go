package listener_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/careflow-go/internal/backlog"
	"github.com/careflow-go/internal/engine"
	"github.com/careflow-go/internal/engine/bootstrap"
	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/internal/listener"
	"github.com/careflow-go/internal/notify"
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

func testRegistry() *eventstore.Registry {
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

type harness struct {
	db     *database.DB
	store  *eventstore.Store
	engine *engine.Engine
	bus    *notify.RedisBus
	proc   *listener.Processor
	sweep  *backlog.Reprocessor
	cfg    config.ListenerConfig
	log    logger.Logger
}

func newHarness(t *testing.T) *harness {
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

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := notify.NewRedisBus(client, log)

	store := eventstore.New(db, testRegistry(), log,
		eventstore.WithProjector(projection.NewRouter(log)),
		eventstore.WithNotifier(bus, "workflow_events"))

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
	sweep := backlog.New(db, store, store, proc, config.BacklogConfig{
		PollIntervalS: 60, Concurrency: 2, MaxRetry: 3, StartsPerSecond: 100,
	}, log)

	return &harness{
		db: db, store: store, engine: e, bus: bus, proc: proc, sweep: sweep,
		cfg: config.ListenerConfig{
			ChannelName: "workflow_events",
			Reconnect:   config.BackoffConfig{InitialMS: 5, CapMS: 50, Jitter: 0.1},
		},
		log: log,
	}
}

func (h *harness) runListener(t *testing.T, ctx context.Context, sweeper listener.Sweeper) {
	t.Helper()
	l := listener.New(h.bus, h.proc, h.store, sweeper, h.cfg, h.log)
	go func() { _ = l.Run(ctx) }()
}

func (h *harness) appendTrigger(t *testing.T, streamID string) *eventstore.Event {
	t.Helper()
	ev, err := h.store.Append(context.Background(), eventstore.AppendRequest{
		StreamID:   streamID,
		StreamType: "organization",
		EventType:  "organization.bootstrap.initiated",
		EventData: map[string]interface{}{
			"subdomain": "acme",
			"orgData":   map[string]interface{}{"name": "Acme Health"},
			"users": []map[string]interface{}{
				{"email": "admin@acme.test", "name": "Admin", "role": "admin"},
			},
		},
	})
	require.NoError(t, err)
	return ev
}

func (h *harness) awaitProcessed(t *testing.T, eventID string) *eventstore.Event {
	t.Helper()
	var ev *eventstore.Event
	require.Eventually(t, func() bool {
		var err error
		ev, err = h.store.GetByID(context.Background(), eventID)
		return err == nil && ev.ProcessedAt != nil
	}, 10*time.Second, 10*time.Millisecond)
	return ev
}

func TestTriggerStartsWorkflowAndSettlesEvent(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runListener(t, ctx, nil)

	// Give the subscription a moment; the channel is at-most-once.
	time.Sleep(100 * time.Millisecond)

	trigger := h.appendTrigger(t, "org-listen-1")
	assert.Nil(t, trigger.ProcessedAt, "trigger processed_at belongs to the listener")

	settled := h.awaitProcessed(t, trigger.EventID)
	workflowID := listener.WorkflowID(bootstrap.WorkflowType, "org-listen-1")
	assert.Equal(t, workflowID, settled.EventMetadata[eventstore.MetaWorkflowID])

	require.Eventually(t, func() bool {
		run, err := h.engine.Get(context.Background(), workflowID)
		return err == nil && run.Status == engine.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)
}

func TestDuplicateTriggersStartOneWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runListener(t, ctx, nil)
	time.Sleep(100 * time.Millisecond)

	first := h.appendTrigger(t, "org-dup-1")
	second := h.appendTrigger(t, "org-dup-1")

	firstDone := h.awaitProcessed(t, first.EventID)
	secondDone := h.awaitProcessed(t, second.EventID)

	workflowID := listener.WorkflowID(bootstrap.WorkflowType, "org-dup-1")
	assert.Equal(t, workflowID, firstDone.EventMetadata[eventstore.MetaWorkflowID])
	assert.Equal(t, workflowID, secondDone.EventMetadata[eventstore.MetaWorkflowID])

	require.Eventually(t, func() bool {
		run, err := h.engine.Get(context.Background(), workflowID)
		return err == nil && run.Status == engine.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	var created int64
	require.NoError(t, h.db.Model(&eventstore.Event{}).
		Where("event_type = ?", "organization.created").Count(&created).Error)
	assert.Equal(t, int64(1), created, "one workflow, one organization")
}

func TestMissedTriggerRecoveredBySweepOnSubscribe(t *testing.T) {
	h := newHarness(t)

	// Published with nobody listening: the notification is lost for good.
	trigger := h.appendTrigger(t, "org-crash-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runListener(t, ctx, h.sweep)

	settled := h.awaitProcessed(t, trigger.EventID)
	workflowID := listener.WorkflowID(bootstrap.WorkflowType, "org-crash-1")
	assert.Equal(t, workflowID, settled.EventMetadata[eventstore.MetaWorkflowID])

	require.Eventually(t, func() bool {
		run, err := h.engine.Get(context.Background(), workflowID)
		return err == nil && run.Status == engine.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)
}

// flakyBus hands out subscriptions the test can sever, the way the pg bus
// ends a session when the underlying connection is re-established.
type flakyBus struct {
	mu   sync.Mutex
	subs []chan notify.Notification
}

func (b *flakyBus) Publish(context.Context, string, notify.Notification) error { return nil }

func (b *flakyBus) Subscribe(context.Context, string) (<-chan notify.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan notify.Notification)
	b.subs = append(b.subs, ch)
	return ch, nil
}

func (b *flakyBus) Close() error { return nil }

func (b *flakyBus) sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *flakyBus) severCurrent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.subs[len(b.subs)-1])
}

func TestDroppedSubscriptionResubscribesAndSweepsGap(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := &flakyBus{}
	l := listener.New(bus, h.proc, h.store, h.sweep, h.cfg, h.log)
	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool { return bus.sessions() == 1 },
		5*time.Second, 5*time.Millisecond)

	// Published into the gap: the first session never sees it.
	trigger := h.appendTrigger(t, "org-gap-1")
	bus.severCurrent()

	require.Eventually(t, func() bool { return bus.sessions() >= 2 },
		5*time.Second, 5*time.Millisecond, "listener must resubscribe after the drop")

	settled := h.awaitProcessed(t, trigger.EventID)
	workflowID := listener.WorkflowID(bootstrap.WorkflowType, "org-gap-1")
	assert.Equal(t, workflowID, settled.EventMetadata[eventstore.MetaWorkflowID])
}

func TestProcessorRejectsNonTrigger(t *testing.T) {
	h := newHarness(t)
	ev, err := h.store.Append(context.Background(), eventstore.AppendRequest{
		StreamID:   "org-plain",
		StreamType: "organization",
		EventType:  "organization.created",
		EventData:  map[string]interface{}{"name": "Plain"},
	})
	require.NoError(t, err)

	perr := h.proc.Process(context.Background(), ev, "listener")
	require.Error(t, perr)
	assert.Equal(t, faults.Validation, faults.KindOf(perr))
}

func TestProcessorRecordsStartFailure(t *testing.T) {
	h := newHarness(t)
	// An empty stream id is unrepresentable through Append, so build the
	// row directly: the engine rejects the start and the failure lands on
	// the event.
	ev := &eventstore.Event{
		EventID:       "ev-bad-1",
		StreamID:      "org-bad-1",
		StreamType:    "organization",
		StreamVersion: 1,
		EventType:     "organization.bootstrap.initiated",
		EventData:     json.RawMessage(`]`),
		EventMetadata: eventstore.Metadata{},
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, h.db.Create(ev).Error)

	perr := h.proc.Process(context.Background(), ev, "backlog")
	require.Error(t, perr)

	stored, err := h.store.GetByID(context.Background(), "ev-bad-1")
	require.NoError(t, err)
	require.NotNil(t, stored.ProcessingError)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Nil(t, stored.ProcessedAt)
}
