package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

type RoleView struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	Name           string
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (RoleView) TableName() string { return "roles_view" }

// RolePermissionView is one granted permission. Grants and revokes are
// individually idempotent, so replaying a grant twice leaves one row.
type RolePermissionView struct {
	RoleID     string `gorm:"primaryKey"`
	Permission string `gorm:"primaryKey"`
	GrantedAt  time.Time
}

func (RolePermissionView) TableName() string { return "role_permissions_view" }

func (r *Router) applyRole(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "role.created":
		row := &RoleView{
			ID:             ev.StreamID,
			OrganizationID: str(data, "organizationId"),
			Name:           str(data, "name"),
			Description:    str(data, "description"),
			CreatedAt:      ev.CreatedAt,
			UpdatedAt:      ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "role.updated":
		updates := map[string]interface{}{}
		if name := str(data, "name"); name != "" {
			updates["name"] = name
		}
		if desc := str(data, "description"); desc != "" {
			updates["description"] = desc
		}
		return guardedUpdate(tx, &RoleView{}, ev.StreamID, ev.CreatedAt, updates)

	case "role.deleted":
		return softDelete(tx, &RoleView{}, ev.StreamID, ev.CreatedAt)

	case "role.permission.granted":
		row := &RolePermissionView{
			RoleID:     ev.StreamID,
			Permission: str(data, "permission"),
			GrantedAt:  ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "role.permission.revoked":
		return tx.Where("role_id = ? AND permission = ?", ev.StreamID, str(data, "permission")).
			Delete(&RolePermissionView{}).Error

	default:
		return r.unhandled(ev)
	}
}
