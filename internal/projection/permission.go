package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

// PermissionView is the catalog of known permission keys.
type PermissionView struct {
	ID          string `gorm:"primaryKey"`
	Key         string `gorm:"index"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

func (PermissionView) TableName() string { return "permissions_view" }

func (r *Router) applyPermission(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "permission.created":
		row := &PermissionView{
			ID:          ev.StreamID,
			Key:         str(data, "key"),
			Description: str(data, "description"),
			CreatedAt:   ev.CreatedAt,
			UpdatedAt:   ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "permission.updated":
		updates := map[string]interface{}{}
		if v := str(data, "description"); v != "" {
			updates["description"] = v
		}
		return guardedUpdate(tx, &PermissionView{}, ev.StreamID, ev.CreatedAt, updates)

	case "permission.deleted":
		return softDelete(tx, &PermissionView{}, ev.StreamID, ev.CreatedAt)

	default:
		return r.unhandled(ev)
	}
}
