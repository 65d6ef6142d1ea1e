package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

// InvitationView tracks invitation lifecycle including the saga outcome: a
// cancelled invitation (compensation) stays visible with status cancelled.
type InvitationView struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	Email          string `gorm:"index"`
	Role           string
	Status         string `gorm:"index"` // pending, sent, accepted, expired, cancelled
	EmailSentAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (InvitationView) TableName() string { return "invitations_view" }

func (r *Router) applyInvitation(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "invitation.created":
		row := &InvitationView{
			ID:             ev.StreamID,
			OrganizationID: str(data, "organization_id"),
			Email:          str(data, "email"),
			Role:           str(data, "role"),
			Status:         "pending",
			CreatedAt:      ev.CreatedAt,
			UpdatedAt:      ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "invitation.email.sent":
		return guardedUpdate(tx, &InvitationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "sent", "email_sent_at": ev.CreatedAt})

	case "invitation.accepted":
		return guardedUpdate(tx, &InvitationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "accepted"})

	case "invitation.expired":
		return guardedUpdate(tx, &InvitationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "expired"})

	case "invitation.cancelled":
		// Saga compensation: the sent email cannot be unsent; the
		// projection records the semantic undo instead.
		return guardedUpdate(tx, &InvitationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "cancelled"})

	default:
		return r.unhandled(ev)
	}
}
