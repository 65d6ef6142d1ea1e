package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

// OrganizationView is the denormalized organization read model. The
// bootstrap trigger creates it in provisioning state; workflow activities
// move it through dns configuration to active, or back to deactivated when
// the saga unwinds.
type OrganizationView struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	Subdomain     string `gorm:"index"`
	Status        string `gorm:"index"` // provisioning, active, deactivated
	DNSConfigured bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

func (OrganizationView) TableName() string { return "organizations_view" }

func (r *Router) applyOrganization(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "organization.bootstrap.initiated":
		org, _ := data["orgData"].(map[string]interface{})
		row := &OrganizationView{
			ID:        ev.StreamID,
			Name:      str(org, "name"),
			Subdomain: str(data, "subdomain"),
			Status:    "provisioning",
			CreatedAt: ev.CreatedAt,
			UpdatedAt: ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "organization.created":
		row := &OrganizationView{
			ID:        ev.StreamID,
			Name:      str(data, "name"),
			Subdomain: str(data, "subdomain"),
			Status:    "provisioning",
			CreatedAt: ev.CreatedAt,
			UpdatedAt: ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"name":       row.Name,
				"subdomain":  row.Subdomain,
				"updated_at": ev.CreatedAt,
			}),
		}).Create(row).Error

	case "organization.updated":
		updates := map[string]interface{}{}
		if name := str(data, "name"); name != "" {
			updates["name"] = name
		}
		if sub := str(data, "subdomain"); sub != "" {
			updates["subdomain"] = sub
		}
		return guardedUpdate(tx, &OrganizationView{}, ev.StreamID, ev.CreatedAt, updates)

	case "dns.configured":
		return guardedUpdate(tx, &OrganizationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"dns_configured": true})

	case "dns.removed":
		return guardedUpdate(tx, &OrganizationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"dns_configured": false})

	case "organization.activated":
		return guardedUpdate(tx, &OrganizationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "active"})

	case "organization.deactivated":
		return guardedUpdate(tx, &OrganizationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "deactivated"})

	default:
		return r.unhandled(ev)
	}
}
