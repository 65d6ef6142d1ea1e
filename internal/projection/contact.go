package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

type ContactView struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	FirstName      string
	LastName       string
	Email          string `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (ContactView) TableName() string { return "contacts_view" }

func (r *Router) applyContact(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "contact.created":
		row := &ContactView{
			ID:             ev.StreamID,
			OrganizationID: str(data, "organizationId"),
			FirstName:      str(data, "firstName"),
			LastName:       str(data, "lastName"),
			Email:          str(data, "email"),
			CreatedAt:      ev.CreatedAt,
			UpdatedAt:      ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "contact.updated":
		updates := map[string]interface{}{}
		for field, column := range map[string]string{
			"firstName": "first_name",
			"lastName":  "last_name",
			"email":     "email",
		} {
			if v := str(data, field); v != "" {
				updates[column] = v
			}
		}
		return guardedUpdate(tx, &ContactView{}, ev.StreamID, ev.CreatedAt, updates)

	case "contact.deleted":
		return softDelete(tx, &ContactView{}, ev.StreamID, ev.CreatedAt)

	default:
		return r.unhandled(ev)
	}
}
