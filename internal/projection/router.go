// Package projection owns every read model. Handlers run synchronously in
// the committing transaction of their event, are pure database writes (no
// I/O), and are idempotent so replay and out-of-order retries are safe.
package projection

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/logger"
)

// Router dispatches a persisted event to its stream-type handler. It is a
// tagged switch, not dynamic dispatch: unknown combinations are warnings
// recorded on the event row, never failures thrown at the producer.
type Router struct {
	log logger.Logger
}

func NewRouter(log logger.Logger) *Router {
	return &Router{log: log}
}

// Apply implements eventstore.Projector.
func (r *Router) Apply(tx *gorm.DB, ev *eventstore.Event) error {
	// Junction events route on the event type suffix regardless of which
	// join table they name.
	if strings.HasSuffix(ev.EventType, ".linked") || strings.HasSuffix(ev.EventType, ".unlinked") {
		return r.applyJunction(tx, ev)
	}

	switch ev.StreamType {
	case "organization":
		return r.applyOrganization(tx, ev)
	case "role":
		return r.applyRole(tx, ev)
	case "invitation":
		return r.applyInvitation(tx, ev)
	case "contact":
		return r.applyContact(tx, ev)
	case "address":
		return r.applyAddress(tx, ev)
	case "phone":
		return r.applyPhone(tx, ev)
	case "impersonation":
		return r.applyImpersonation(tx, ev)
	case "client":
		return r.applyClient(tx, ev)
	case "medication":
		return r.applyMedication(tx, ev)
	case "user":
		return r.applyUser(tx, ev)
	case "access_grant":
		return r.applyAccessGrant(tx, ev)
	case "organization_unit":
		return r.applyOrganizationUnit(tx, ev)
	case "dosage":
		return r.applyDosage(tx, ev)
	case "medication_history":
		return r.applyMedicationHistory(tx, ev)
	case "permission":
		return r.applyPermission(tx, ev)
	case "workflow":
		// Engine housekeeping events (trigger.abandoned alerts) have no
		// read model.
		return nil
	default:
		r.log.Warn("no projection for stream type",
			"stream_type", ev.StreamType, "event_type", ev.EventType, "event_id", ev.EventID)
		return eventstore.ErrUnhandledEventType
	}
}

// unhandled logs and returns the sentinel the store records as
// processing_error = "unknown_event_type".
func (r *Router) unhandled(ev *eventstore.Event) error {
	r.log.Warn("no projection handler for event type",
		"stream_type", ev.StreamType, "event_type", ev.EventType, "event_id", ev.EventID)
	return eventstore.ErrUnhandledEventType
}

// payload decodes event_data into a generic map. Handlers pick the fields
// they project and ignore the rest.
func payload(ev *eventstore.Event) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(ev.EventData, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func str(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// guardedUpdate applies updates only when the row has not been touched by a
// newer event, so a stale retry cannot overwrite later state. The event's
// own created_at becomes the row's updated_at.
func guardedUpdate(tx *gorm.DB, model interface{}, id string, at time.Time, updates map[string]interface{}) error {
	updates["updated_at"] = at
	return tx.Model(model).
		Where("id = ? AND updated_at <= ?", id, at).
		Updates(updates).Error
}

// softDelete marks the row deleted without removing it. Replays of the same
// event converge on the same state.
func softDelete(tx *gorm.DB, model interface{}, id string, at time.Time) error {
	return tx.Model(model).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{"deleted_at": at, "updated_at": at}).Error
}
