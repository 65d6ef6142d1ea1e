package listener

import (
	"context"
	"errors"
	"time"

	"github.com/careflow-go/internal/notify"
	"github.com/careflow-go/pkg/config"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/metrics"
	"github.com/careflow-go/pkg/resilience"
)

// Sweeper reconciles triggers the notify channel missed. The backlog
// reprocessor implements it; the listener calls it after every
// (re)subscribe because anything published while the subscription was
// down is gone.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Listener consumes the at-most-once notify channel and hands each
// trigger to the processor. It owns the reconnect loop: a dropped
// subscription is retried with jittered exponential backoff, and each
// successful resubscribe runs a sweep to cover the gap.
type Listener struct {
	bus     notify.Bus
	proc    *Processor
	store   Store
	sweeper Sweeper
	channel string
	backoff *resilience.Backoff
	log     logger.Logger
}

func New(bus notify.Bus, proc *Processor, store Store, sweeper Sweeper, cfg config.ListenerConfig, log logger.Logger) *Listener {
	bo := cfg.Reconnect
	return &Listener{
		bus:     bus,
		proc:    proc,
		store:   store,
		sweeper: sweeper,
		channel: cfg.ChannelName,
		backoff: resilience.NewBackoff(
			time.Duration(bo.InitialMS)*time.Millisecond,
			time.Duration(bo.CapMS)*time.Millisecond,
			bo.Jitter,
		),
		log: log,
	}
}

// Run blocks until ctx ends, resubscribing through every failure.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := l.backoff.Next()
			metrics.ListenerReconnectsTotal.Inc()
			l.log.Warn("listener subscription dropped, reconnecting",
				"channel", l.channel, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
}

// session is one subscription lifetime: subscribe, sweep the gap, then
// drain until the channel closes.
func (l *Listener) session(ctx context.Context) error {
	msgs, err := l.bus.Subscribe(ctx, l.channel)
	if err != nil {
		return err
	}
	l.backoff.Reset()
	l.log.Info("listening for triggers", "channel", l.channel)

	if l.sweeper != nil {
		if err := l.sweeper.Sweep(ctx); err != nil {
			l.log.Error("post-subscribe sweep failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("subscription closed")
			}
			l.handle(ctx, n)
		}
	}
}

// handle resolves the notification to the authoritative event row and
// processes it. The row fetch also covers slim payloads from the pg bus.
func (l *Listener) handle(ctx context.Context, n notify.Notification) {
	ev, err := l.store.GetByID(ctx, n.EventID)
	if err != nil {
		if faults.KindOf(err) == faults.NotFound {
			l.log.Warn("notified event not found, skipping", "event_id", n.EventID)
			return
		}
		l.log.Error("load notified event failed", "event_id", n.EventID, "error", err)
		return
	}
	if err := l.proc.Process(ctx, ev, "listener"); err != nil {
		l.log.Error("trigger processing failed",
			"event_id", ev.EventID, "event_type", ev.EventType, "error", err)
	}
}
