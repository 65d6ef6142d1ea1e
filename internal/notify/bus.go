// Package notify is the at-most-once pub-sub channel between the event
// store and the trigger listener. Delivery is fire-and-forget: a subscriber
// that is offline misses messages, which is why the listener reconciles
// against the log on every (re)connect and on a timer.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/careflow-go/internal/eventstore"
)

// Notification carries enough of the trigger event that the listener can
// act without re-fetching the row.
type Notification struct {
	EventID       string              `json:"event_id"`
	EventType     string              `json:"event_type"`
	StreamID      string              `json:"stream_id"`
	StreamType    string              `json:"stream_type"`
	EventData     json.RawMessage     `json:"event_data"`
	EventMetadata eventstore.Metadata `json:"event_metadata"`
	CreatedAt     time.Time           `json:"created_at"`
}

// FromEvent builds the wire payload for a committed event.
func FromEvent(ev *eventstore.Event) Notification {
	return Notification{
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		StreamID:      ev.StreamID,
		StreamType:    ev.StreamType,
		EventData:     ev.EventData,
		EventMetadata: ev.EventMetadata,
		CreatedAt:     ev.CreatedAt,
	}
}

// Bus is the pub-sub transport. Two implementations ship: redis pub/sub and
// postgres LISTEN/NOTIFY, selected by notify.driver.
type Bus interface {
	// Publish sends at most once and never blocks on slow subscribers.
	Publish(ctx context.Context, channel string, n Notification) error

	// Subscribe opens a stream of notifications for channel. The returned
	// channel closes when the subscription drops or ctx ends; the caller
	// owns reconnecting.
	Subscribe(ctx context.Context, channel string) (<-chan Notification, error)

	Close() error
}
