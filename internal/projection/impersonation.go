package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

// ImpersonationView is the audit trail of support-staff impersonation
// sessions. Rows are never deleted; ended sessions keep their window.
type ImpersonationView struct {
	ID           string `gorm:"primaryKey"`
	ActorUserID  string `gorm:"index"`
	TargetUserID string `gorm:"index"`
	Reason       string
	StartedAt    time.Time
	EndedAt      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ImpersonationView) TableName() string { return "impersonations_view" }

func (r *Router) applyImpersonation(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "impersonation.started":
		row := &ImpersonationView{
			ID:           ev.StreamID,
			ActorUserID:  str(data, "actorUserId"),
			TargetUserID: str(data, "targetUserId"),
			Reason:       str(data, "reason"),
			StartedAt:    ev.CreatedAt,
			CreatedAt:    ev.CreatedAt,
			UpdatedAt:    ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "impersonation.ended":
		return guardedUpdate(tx, &ImpersonationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"ended_at": ev.CreatedAt})

	default:
		return r.unhandled(ev)
	}
}
