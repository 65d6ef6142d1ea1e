package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/metrics"
	"github.com/careflow-go/pkg/resilience"
)

// Projector applies the synchronous read-model update for one event, inside
// the event's own transaction. Implemented by projection.Router.
type Projector interface {
	Apply(tx *gorm.DB, ev *Event) error
}

// Notifier publishes trigger notifications after commit. Implemented by the
// notify bus; nil disables publication.
type Notifier interface {
	PublishEvent(ctx context.Context, channel string, ev *Event) error
}

// Sink receives every committed event, best-effort. Implemented by the
// kafka relay; nil disables forwarding.
type Sink interface {
	Forward(ctx context.Context, ev *Event)
}

// Store owns the domain_events log: the single append operation, the status
// mutations the listener is allowed to make, and nothing else.
type Store struct {
	db       *database.DB
	registry *Registry
	proj     Projector
	notifier Notifier
	sink     Sink
	channel  string
	log      logger.Logger
}

type Option func(*Store)

func WithProjector(p Projector) Option { return func(s *Store) { s.proj = p } }

func WithNotifier(n Notifier, channel string) Option {
	return func(s *Store) { s.notifier = n; s.channel = channel }
}

func WithSink(sink Sink) Option { return func(s *Store) { s.sink = sink } }

func New(db *database.DB, registry *Registry, log logger.Logger, opts ...Option) *Store {
	s := &Store{db: db, registry: registry, channel: "workflow_events", log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the catalog to collaborators (listener, backlog).
func (s *Store) Registry() *Registry { return s.registry }

// Append validates, versions, and commits one event, running the projection
// in the same transaction. The projector may fail without failing the
// append: the event is the source of truth, the projection is reparable.
// Concurrent appends to the same stream race on the version unique index;
// the loser gets a Conflict fault wrapping ErrVersionConflict.
func (s *Store) Append(ctx context.Context, req AppendRequest) (*Event, error) {
	def, err := s.registry.Lookup(req.EventType)
	if err != nil {
		return nil, err
	}
	if def.StreamType != req.StreamType {
		return nil, faults.Newf(faults.Validation, "event type %s belongs to stream type %s, got %s",
			req.EventType, def.StreamType, req.StreamType)
	}
	if req.StreamID == "" {
		return nil, faults.Newf(faults.Validation, "stream_id is required")
	}

	data, err := marshalData(req.EventData)
	if err != nil {
		return nil, faults.Newf(faults.Validation, "encode event_data: %v", err)
	}
	if err := s.registry.ValidatePayload(def, data); err != nil {
		return nil, err
	}

	ev := &Event{
		EventID:       uuid.New().String(),
		StreamID:      req.StreamID,
		StreamType:    req.StreamType,
		EventType:     req.EventType,
		EventData:     data,
		EventMetadata: req.Metadata,
		CreatedAt:     time.Now().UTC(),
	}
	if ev.EventMetadata == nil {
		ev.EventMetadata = Metadata{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int64
		if err := tx.Model(&Event{}).
			Where("stream_id = ? AND stream_type = ?", ev.StreamID, ev.StreamType).
			Select("COALESCE(MAX(stream_version), 0)").
			Scan(&current).Error; err != nil {
			return fmt.Errorf("read stream version: %w", err)
		}
		ev.StreamVersion = current + 1

		if err := tx.Create(ev).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				metrics.VersionConflictsTotal.Inc()
				return faults.VersionConflict(ev.StreamID, ev.StreamType)
			}
			return fmt.Errorf("insert event: %w", err)
		}

		s.project(tx, def, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EventsAppendedTotal.WithLabelValues(ev.StreamType, ev.EventType).Inc()

	// Post-commit side effects, both fire-and-forget. A missed notify is
	// reconciled by the backlog sweep.
	if def.Trigger && s.notifier != nil {
		if err := s.notifier.PublishEvent(ctx, s.channel, ev); err != nil {
			metrics.NotifyPublishedTotal.WithLabelValues(s.channel, "error").Inc()
			s.log.Warn("trigger notify failed, backlog sweep will pick it up",
				"event_id", ev.EventID, "event_type", ev.EventType, "error", err)
		} else {
			metrics.NotifyPublishedTotal.WithLabelValues(s.channel, "ok").Inc()
		}
	}
	if s.sink != nil {
		s.sink.Forward(ctx, ev)
	}

	return ev, nil
}

// project runs the synchronous projection inside a savepoint so a failing
// handler leaves no partial read-model writes, then records the outcome on
// the event row. Trigger events keep processed_at null: that column belongs
// to the listener for them.
func (s *Store) project(tx *gorm.DB, def Definition, ev *Event) {
	if s.proj == nil {
		return
	}

	start := time.Now()
	perr := tx.Transaction(func(ptx *gorm.DB) error {
		return s.proj.Apply(ptx, ev)
	})
	metrics.ProjectionDuration.WithLabelValues(ev.StreamType).Observe(time.Since(start).Seconds())

	if perr != nil {
		reason := perr.Error()
		if errors.Is(perr, ErrUnhandledEventType) {
			reason = "unknown_event_type"
		}
		metrics.ProjectionFailuresTotal.WithLabelValues(ev.StreamType, faults.KindOf(perr).String()).Inc()
		s.log.Warn("projection failed, event committed with processing_error",
			"event_id", ev.EventID, "event_type", ev.EventType, "error", perr)

		ev.ProcessingError = &reason
		if err := tx.Model(&Event{}).Where("event_id = ?", ev.EventID).
			Update("processing_error", reason).Error; err != nil {
			s.log.Error("record processing_error failed", "event_id", ev.EventID, "error", err)
		}
		return
	}

	if def.Trigger {
		return
	}
	now := time.Now().UTC()
	ev.ProcessedAt = &now
	if err := tx.Model(&Event{}).Where("event_id = ?", ev.EventID).
		Update("processed_at", now).Error; err != nil {
		s.log.Error("mark processed failed", "event_id", ev.EventID, "error", err)
	}
}

// ErrUnhandledEventType is returned by the projection router for a known
// stream type with an event type it has no handler for. Recorded as
// processing_error = "unknown_event_type", never thrown to the producer.
var ErrUnhandledEventType = errors.New("no projection handler for event type")

// AppendWithRetry retries Append through version-conflict races. Callers on
// hot streams use it instead of hand-rolling the retry.
func (s *Store) AppendWithRetry(ctx context.Context, req AppendRequest) (*Event, error) {
	cfg := resilience.RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.3,
		ShouldRetry: func(err error) bool {
			return errors.Is(err, faults.ErrVersionConflict)
		},
	}
	return resilience.RetryWithResult(ctx, cfg, func() (*Event, error) {
		return s.Append(ctx, req)
	})
}

// GetByID loads a single event.
func (s *Store) GetByID(ctx context.Context, eventID string) (*Event, error) {
	var ev Event
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.NotFound, "event %s: %w", eventID, faults.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// LoadStream returns a stream's events in version order.
func (s *Store) LoadStream(ctx context.Context, streamID, streamType string) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("stream_id = ? AND stream_type = ?", streamID, streamType).
		Order("stream_version ASC").
		Find(&events).Error
	return events, err
}

// MarkProcessed attaches workflow provenance to the originating event and
// sets processed_at. The listener calls this after the engine confirms the
// start (or reports AlreadyExists). Provenance fields already present are
// kept, so concurrent listeners converge on the first writer's values.
func (s *Store) MarkProcessed(ctx context.Context, eventID string, prov Provenance) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev Event
		if err := tx.Where("event_id = ?", eventID).First(&ev).Error; err != nil {
			return fmt.Errorf("load event %s: %w", eventID, err)
		}

		updates := map[string]interface{}{
			"event_metadata": prov.Apply(ev.EventMetadata),
		}
		if ev.ProcessedAt == nil {
			updates["processed_at"] = time.Now().UTC()
		}
		// A recovered trigger clears the error it failed with earlier.
		if ev.ProcessingError != nil {
			updates["processing_error"] = nil
		}
		return tx.Model(&Event{}).Where("event_id = ?", eventID).Updates(updates).Error
	})
}

// RecordFailure notes a trigger-processing failure on the originating event
// and bumps retry_count, leaving processed_at null so the backlog sweep
// retries it.
func (s *Store) RecordFailure(ctx context.Context, eventID string, cause error) error {
	msg := cause.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	return s.db.WithContext(ctx).Model(&Event{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processing_error": msg,
			"retry_count":      gorm.Expr("retry_count + 1"),
		}).Error
}

func marshalData(v interface{}) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		return json.Marshal(v)
	}
}
