package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

type OrganizationUnitView struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	ParentUnitID   string `gorm:"index"`
	Name           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (OrganizationUnitView) TableName() string { return "organization_units_view" }

func (r *Router) applyOrganizationUnit(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "organization_unit.created":
		row := &OrganizationUnitView{
			ID:             ev.StreamID,
			OrganizationID: str(data, "organizationId"),
			ParentUnitID:   str(data, "parentUnitId"),
			Name:           str(data, "name"),
			CreatedAt:      ev.CreatedAt,
			UpdatedAt:      ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "organization_unit.updated":
		updates := map[string]interface{}{}
		if v := str(data, "name"); v != "" {
			updates["name"] = v
		}
		if v := str(data, "parentUnitId"); v != "" {
			updates["parent_unit_id"] = v
		}
		return guardedUpdate(tx, &OrganizationUnitView{}, ev.StreamID, ev.CreatedAt, updates)

	case "organization_unit.deleted":
		return softDelete(tx, &OrganizationUnitView{}, ev.StreamID, ev.CreatedAt)

	default:
		return r.unhandled(ev)
	}
}
