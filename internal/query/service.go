// Package query is the read-only audit surface over the event log. It
// never touches projections: every answer comes straight from
// domain_events plus the engine's run records, which is what makes it
// usable for verifying the projections themselves.
package query

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
)

type Service struct {
	db  *database.DB
	log logger.Logger
}

func NewService(db *database.DB, log logger.Logger) *Service {
	return &Service{db: db, log: log}
}

// Summary is the aggregate view of one workflow's footprint in the log.
type Summary struct {
	WorkflowID   string     `json:"workflow_id"`
	WorkflowType string     `json:"workflow_type"`
	EventTypes   []string   `json:"event_types"`
	EventCount   int64      `json:"event_count"`
	FirstEventAt *time.Time `json:"first_event_at,omitempty"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
	ErrorCount   int64      `json:"error_count"`
}

// Lineage traces an aggregate to the workflow its trigger started and
// everything that workflow touched, across streams.
type Lineage struct {
	StreamID       string             `json:"stream_id"`
	TriggerEvent   *eventstore.Event  `json:"trigger_event,omitempty"`
	WorkflowID     string             `json:"workflow_id,omitempty"`
	WorkflowEvents []eventstore.Event `json:"workflow_events"`
}

// metaField builds the dialect-correct expression for one metadata key.
func (s *Service) metaField(key string) string {
	return eventstore.JSONField(s.db.Dialector.Name(), "event_metadata", key)
}

// EventsForWorkflow returns every event bearing the workflow's
// provenance, ordered by created_at then stream_version. An empty run id
// spans all runs of the workflow.
func (s *Service) EventsForWorkflow(ctx context.Context, workflowID, runID string) ([]eventstore.Event, error) {
	if workflowID == "" {
		return nil, faults.Newf(faults.Validation, "workflow_id is required")
	}
	q := s.db.WithContext(ctx).
		Where(s.metaField(eventstore.MetaWorkflowID)+" = ?", workflowID)
	if runID != "" {
		q = q.Where(s.metaField(eventstore.MetaWorkflowRunID)+" = ?", runID)
	}
	var events []eventstore.Event
	if err := q.Order("created_at, stream_version").Find(&events).Error; err != nil {
		return nil, faults.Newf(faults.Unknown, "query workflow events: %v", err)
	}
	return events, nil
}

// WorkflowSummary condenses a workflow's event footprint. A workflow
// with no events yet still summarizes, with zero counts.
func (s *Service) WorkflowSummary(ctx context.Context, workflowID string) (*Summary, error) {
	events, err := s.EventsForWorkflow(ctx, workflowID, "")
	if err != nil {
		return nil, err
	}

	sum := &Summary{WorkflowID: workflowID, EventCount: int64(len(events))}
	seen := map[string]bool{}
	for i := range events {
		ev := &events[i]
		if !seen[ev.EventType] {
			seen[ev.EventType] = true
			sum.EventTypes = append(sum.EventTypes, ev.EventType)
		}
		if ev.ProcessingError != nil {
			sum.ErrorCount++
		}
		if sum.WorkflowType == "" {
			sum.WorkflowType, _ = ev.EventMetadata[eventstore.MetaWorkflowType].(string)
		}
	}
	if len(events) > 0 {
		first := events[0].CreatedAt
		last := events[len(events)-1].CreatedAt
		sum.FirstEventAt = &first
		sum.LastEventAt = &last
	}
	return sum, nil
}

// LineageForAggregate walks from an aggregate to its root trigger and
// out to every event the resulting workflow emitted. Aggregates without
// a trigger return their own stream history and nothing else.
func (s *Service) LineageForAggregate(ctx context.Context, streamID string) (*Lineage, error) {
	if streamID == "" {
		return nil, faults.Newf(faults.Validation, "stream_id is required")
	}

	lineage := &Lineage{StreamID: streamID}

	var trigger eventstore.Event
	err := s.db.WithContext(ctx).
		Where("stream_id = ? AND "+s.metaField(eventstore.MetaWorkflowID)+" IS NOT NULL", streamID).
		Order("created_at").
		First(&trigger).Error
	switch {
	case err == nil:
		lineage.TriggerEvent = &trigger
		lineage.WorkflowID, _ = trigger.EventMetadata[eventstore.MetaWorkflowID].(string)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No workflow touched this aggregate; fall through to stream history.
	default:
		return nil, faults.Newf(faults.Unknown, "find root trigger: %v", err)
	}

	if lineage.WorkflowID != "" {
		events, err := s.EventsForWorkflow(ctx, lineage.WorkflowID, "")
		if err != nil {
			return nil, err
		}
		lineage.WorkflowEvents = events
		return lineage, nil
	}

	var events []eventstore.Event
	if err := s.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("stream_type, stream_version").
		Find(&events).Error; err != nil {
		return nil, faults.Newf(faults.Unknown, "query stream history: %v", err)
	}
	lineage.WorkflowEvents = events
	return lineage, nil
}

// UnprocessedTriggers lists trigger events still awaiting a workflow,
// oldest first. olderThan guards against racing triggers that are
// in-flight on the notify channel right now; zero means no age filter.
func (s *Service) UnprocessedTriggers(ctx context.Context, eventType string, olderThan time.Duration) ([]eventstore.Event, error) {
	q := s.db.WithContext(ctx).Where("processed_at IS NULL")
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	if olderThan > 0 {
		q = q.Where("created_at < ?", time.Now().UTC().Add(-olderThan))
	}
	var events []eventstore.Event
	if err := q.Order("created_at").Find(&events).Error; err != nil {
		return nil, faults.Newf(faults.Unknown, "query unprocessed triggers: %v", err)
	}
	return events, nil
}
