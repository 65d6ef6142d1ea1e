package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/logger"
)

// PGBus rides postgres LISTEN/NOTIFY, so deployments without redis keep the
// log and its notifications in one system. NOTIFY payloads are capped at
// 8kB by postgres; oversized events fall back to an id-only payload and the
// listener re-fetches the row.
type PGBus struct {
	db      publisher
	dsn     string
	minWait time.Duration
	maxWait time.Duration
	log     logger.Logger
}

// publisher is the NOTIFY side; satisfied by *gorm.DB via a thin adapter in
// the wiring and by fakes in tests.
type publisher interface {
	Notify(ctx context.Context, channel, payload string) error
}

func NewPGBus(db publisher, dsn string, log logger.Logger) *PGBus {
	return &PGBus{
		db:      db,
		dsn:     dsn,
		minWait: time.Second,
		maxWait: 30 * time.Second,
		log:     log,
	}
}

func (b *PGBus) Publish(ctx context.Context, channel string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if len(payload) > 7500 {
		// Over the NOTIFY limit: send the id and let the subscriber
		// fetch the event itself.
		slim, _ := json.Marshal(Notification{EventID: n.EventID, EventType: n.EventType})
		payload = slim
	}
	return b.db.Notify(ctx, channel, string(payload))
}

// PublishEvent implements eventstore.Notifier.
func (b *PGBus) PublishEvent(ctx context.Context, channel string, ev *eventstore.Event) error {
	return b.Publish(ctx, channel, FromEvent(ev))
}

func (b *PGBus) Subscribe(ctx context.Context, channel string) (<-chan Notification, error) {
	listener := pq.NewListener(b.dsn, b.minWait, b.maxWait, func(event pq.ListenerEventType, err error) {
		if err != nil {
			b.log.Warn("pg listener event", "event", event, "error", err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification means pq re-established the
				// connection; anything published meanwhile is lost. End
				// the session so the subscriber resubscribes and sweeps
				// the gap.
				if msg == nil {
					b.log.Warn("pg connection re-established, closing subscription", "channel", channel)
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Extra), &n); err != nil {
					b.log.Warn("dropping malformed notification", "channel", channel, "error", err)
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *PGBus) Close() error { return nil }
