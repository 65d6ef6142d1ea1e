package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/careflow-go/internal/engine"
	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/metrics"
)

// Starter is the slice of the engine the processor needs.
type Starter interface {
	Start(ctx context.Context, opts engine.StartOptions) (*engine.Run, error)
}

// Store is the event-store surface shared by the listener and the
// backlog sweep.
type Store interface {
	Registry() *eventstore.Registry
	GetByID(ctx context.Context, eventID string) (*eventstore.Event, error)
	MarkProcessed(ctx context.Context, eventID string, prov eventstore.Provenance) error
	RecordFailure(ctx context.Context, eventID string, cause error) error
}

// Processor turns one trigger event into one workflow start. Both the
// live listener and the backlog reprocessor feed it; the deterministic
// workflow id makes the two paths collide safely on the engine's
// uniqueness guarantee instead of coordinating with each other.
type Processor struct {
	store  Store
	engine Starter
	log    logger.Logger
}

func NewProcessor(store Store, starter Starter, log logger.Logger) *Processor {
	return &Processor{store: store, engine: starter, log: log}
}

// WorkflowID is the deterministic identity of the run a trigger event
// starts: "<workflow-type>-<stream_id>". Redelivering the same trigger
// computes the same id and bounces off AlreadyExists.
func WorkflowID(workflowType, streamID string) string {
	return fmt.Sprintf("%s-%s", workflowType, streamID)
}

// Process handles one trigger event end to end. origin labels the
// delivery path ("listener" or "backlog") in metrics. A duplicate start
// counts as success: the event gets its provenance and processed_at
// either way.
func (p *Processor) Process(ctx context.Context, ev *eventstore.Event, origin string) error {
	def, err := p.store.Registry().Lookup(ev.EventType)
	if err != nil {
		metrics.TriggersProcessedTotal.WithLabelValues(origin, "skipped").Inc()
		return err
	}
	if !def.Trigger {
		metrics.TriggersProcessedTotal.WithLabelValues(origin, "skipped").Inc()
		return faults.Newf(faults.Validation, "event type %s is not a trigger", ev.EventType)
	}
	if ev.ProcessedAt != nil {
		metrics.TriggersProcessedTotal.WithLabelValues(origin, "duplicate").Inc()
		return nil
	}

	params, err := triggerParams(ev)
	if err != nil {
		metrics.TriggersProcessedTotal.WithLabelValues(origin, "failed").Inc()
		if rerr := p.store.RecordFailure(ctx, ev.EventID, err); rerr != nil {
			p.log.Error("record trigger failure failed", "event_id", ev.EventID, "error", rerr)
		}
		return err
	}

	run, err := p.engine.Start(ctx, engine.StartOptions{
		Type:          def.WorkflowType,
		WorkflowID:    WorkflowID(def.WorkflowType, ev.StreamID),
		Params:        params,
		TaskQueue:     def.TaskQueue,
		CorrelationID: ev.EventID,
	})
	switch {
	case err == nil:
		metrics.TriggersProcessedTotal.WithLabelValues(origin, "started").Inc()
		p.log.Info("workflow started from trigger",
			"event_id", ev.EventID, "workflow_id", run.WorkflowID, "origin", origin)
	case errors.Is(err, faults.ErrAlreadyExists):
		metrics.TriggersProcessedTotal.WithLabelValues(origin, "duplicate").Inc()
		p.log.Debug("trigger already has a workflow",
			"event_id", ev.EventID, "workflow_id", run.WorkflowID, "origin", origin)
	default:
		metrics.TriggersProcessedTotal.WithLabelValues(origin, "failed").Inc()
		if rerr := p.store.RecordFailure(ctx, ev.EventID, err); rerr != nil {
			p.log.Error("record trigger failure failed", "event_id", ev.EventID, "error", rerr)
		}
		return err
	}

	// Start confirmed (or already done): stamp provenance and settle the
	// event. A failure here is log-and-continue; the backlog sweep will
	// retry the stamp and collide harmlessly on AlreadyExists.
	prov := eventstore.Provenance{
		WorkflowID:    run.WorkflowID,
		WorkflowRunID: run.RunID,
		WorkflowType:  run.Type,
	}
	if err := p.store.MarkProcessed(ctx, ev.EventID, prov); err != nil {
		p.log.Error("mark trigger processed failed",
			"event_id", ev.EventID, "workflow_id", run.WorkflowID, "error", err)
	}
	return nil
}

// triggerParams is the event payload with the stream identity folded in,
// so workflows see their aggregate id without a second lookup.
func triggerParams(ev *eventstore.Event) (json.RawMessage, error) {
	var payload map[string]interface{}
	if len(ev.EventData) == 0 {
		payload = map[string]interface{}{}
	} else if err := json.Unmarshal(ev.EventData, &payload); err != nil {
		return nil, faults.Newf(faults.Validation, "trigger payload for %s is not an object: %v", ev.EventID, err)
	}
	payload["stream_id"] = ev.StreamID
	payload["stream_type"] = ev.StreamType
	payload["event_id"] = ev.EventID
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, faults.Newf(faults.Unknown, "encode trigger params: %v", err)
	}
	return raw, nil
}
