// Package backlog reconciles the at-most-once notify channel against the
// event log. Triggers that never reached a listener sit with processed_at
// null; the reprocessor sweeps them on startup, on every listener
// resubscribe, and on a timer.
package backlog

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/internal/listener"
	"github.com/careflow-go/pkg/config"
	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/metrics"
)

// AlertEventType marks a trigger given up on. The alert lands in the
// event log itself, on the workflow stream, where operators already
// look.
const AlertEventType = "workflow.trigger.abandoned"

// Appender is the store surface used to emit abandonment alerts.
type Appender interface {
	AppendWithRetry(ctx context.Context, req eventstore.AppendRequest) (*eventstore.Event, error)
}

type Reprocessor struct {
	db       *database.DB
	store    listener.Store
	appender Appender
	proc     *listener.Processor
	cfg      config.BacklogConfig
	limiter  *rate.Limiter
	cron     *cron.Cron
	log      logger.Logger
}

func New(db *database.DB, store listener.Store, appender Appender, proc *listener.Processor, cfg config.BacklogConfig, log logger.Logger) *Reprocessor {
	var limiter *rate.Limiter
	if cfg.StartsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.StartsPerSecond), cfg.StartsPerSecond)
	}
	return &Reprocessor{
		db:       db,
		store:    store,
		appender: appender,
		proc:     proc,
		cfg:      cfg,
		limiter:  limiter,
		log:      log,
	}
}

// Run sweeps once immediately, then on the poll interval until ctx ends.
func (r *Reprocessor) Run(ctx context.Context) error {
	if err := r.Sweep(ctx); err != nil {
		r.log.Error("startup sweep failed", "error", err)
	}

	r.cron = cron.New()
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.cfg.PollInterval()), func() {
		if err := r.Sweep(ctx); err != nil {
			r.log.Error("scheduled sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule backlog sweep: %w", err)
	}
	r.cron.Start()

	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// Sweep finds every unprocessed trigger and replays it through the
// shared processor. Duplicates against live listener deliveries resolve
// on the engine's workflow-id uniqueness, so sweeping concurrently with
// the listener is safe.
func (r *Reprocessor) Sweep(ctx context.Context) error {
	triggerTypes := r.store.Registry().TriggerTypes()
	if len(triggerTypes) == 0 {
		return nil
	}

	var pending []eventstore.Event
	err := r.db.WithContext(ctx).
		Where("event_type IN ? AND processed_at IS NULL AND retry_count <= ?", triggerTypes, r.cfg.MaxRetry).
		Order("created_at").
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("scan unprocessed triggers: %w", err)
	}
	metrics.BacklogSweepSize.Set(float64(len(pending)))
	if len(pending) > 0 {
		r.log.Info("sweeping unprocessed triggers", "count", len(pending))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency())
	for i := range pending {
		ev := pending[i]
		g.Go(func() error {
			if r.limiter != nil {
				if err := r.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if err := r.proc.Process(gctx, &ev, "backlog"); err != nil {
				// Recorded on the event row; the next sweep retries it.
				r.log.Warn("backlog trigger failed",
					"event_id", ev.EventID, "retry_count", ev.RetryCount, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return r.abandonExhausted(ctx, triggerTypes)
}

// abandonExhausted settles triggers that burned the whole retry budget:
// an alert event goes on the workflow stream and the trigger row is
// closed out so later sweeps skip it.
func (r *Reprocessor) abandonExhausted(ctx context.Context, triggerTypes []string) error {
	var exhausted []eventstore.Event
	err := r.db.WithContext(ctx).
		Where("event_type IN ? AND processed_at IS NULL AND retry_count > ?", triggerTypes, r.cfg.MaxRetry).
		Find(&exhausted).Error
	if err != nil {
		return fmt.Errorf("scan exhausted triggers: %w", err)
	}

	for i := range exhausted {
		ev := exhausted[i]
		_, aerr := r.appender.AppendWithRetry(ctx, eventstore.AppendRequest{
			StreamID:   ev.StreamID,
			StreamType: "workflow",
			EventType:  AlertEventType,
			EventData: map[string]interface{}{
				"event_id":    ev.EventID,
				"event_type":  ev.EventType,
				"retry_count": ev.RetryCount,
				"last_error":  stringOrEmpty(ev.ProcessingError),
			},
		})
		if aerr != nil {
			r.log.Error("emit abandonment alert failed", "event_id", ev.EventID, "error", aerr)
			continue
		}

		reason := fmt.Sprintf("abandoned after %d attempts", ev.RetryCount)
		now := time.Now().UTC()
		uerr := r.db.WithContext(ctx).Model(&eventstore.Event{}).
			Where("event_id = ? AND processed_at IS NULL", ev.EventID).
			Updates(map[string]interface{}{"processed_at": now, "processing_error": reason}).Error
		if uerr != nil {
			r.log.Error("settle abandoned trigger failed", "event_id", ev.EventID, "error", uerr)
			continue
		}
		r.log.Error("trigger abandoned",
			"event_id", ev.EventID, "event_type", ev.EventType, "retry_count", ev.RetryCount)
	}
	return nil
}

func (r *Reprocessor) concurrency() int {
	if r.cfg.Concurrency > 0 {
		return r.cfg.Concurrency
	}
	return 4
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
