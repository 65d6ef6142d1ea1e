package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

type UserView struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	Email          string `gorm:"index"`
	DisplayName    string
	Status         string `gorm:"index"` // invited, active, deactivated
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (UserView) TableName() string { return "users_view" }

func (r *Router) applyUser(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "user.created":
		status := str(data, "status")
		if status == "" {
			status = "invited"
		}
		row := &UserView{
			ID:             ev.StreamID,
			OrganizationID: str(data, "organizationId"),
			Email:          str(data, "email"),
			DisplayName:    str(data, "displayName"),
			Status:         status,
			CreatedAt:      ev.CreatedAt,
			UpdatedAt:      ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "user.updated":
		updates := map[string]interface{}{}
		if v := str(data, "displayName"); v != "" {
			updates["display_name"] = v
		}
		if v := str(data, "email"); v != "" {
			updates["email"] = v
		}
		return guardedUpdate(tx, &UserView{}, ev.StreamID, ev.CreatedAt, updates)

	case "user.activated":
		return guardedUpdate(tx, &UserView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "active"})

	case "user.deactivated":
		return guardedUpdate(tx, &UserView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "deactivated"})

	default:
		return r.unhandled(ev)
	}
}
