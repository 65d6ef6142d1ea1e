package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

// AccessGrantView records which user holds which role over which scope.
// Revocations keep the row with revoked_at set, for audit.
type AccessGrantView struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	RoleID    string `gorm:"index"`
	ScopeType string // organization, organization_unit, client
	ScopeID   string `gorm:"index"`
	RevokedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AccessGrantView) TableName() string { return "access_grants_view" }

func (r *Router) applyAccessGrant(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "access_grant.created":
		row := &AccessGrantView{
			ID:        ev.StreamID,
			UserID:    str(data, "userId"),
			RoleID:    str(data, "roleId"),
			ScopeType: str(data, "scopeType"),
			ScopeID:   str(data, "scopeId"),
			CreatedAt: ev.CreatedAt,
			UpdatedAt: ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "access_grant.revoked":
		return guardedUpdate(tx, &AccessGrantView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"revoked_at": ev.CreatedAt})

	default:
		return r.unhandled(ev)
	}
}
