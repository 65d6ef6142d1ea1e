package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

// ClientView is the care-recipient read model.
type ClientView struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	FirstName      string
	LastName       string
	DateOfBirth    string
	Status         string `gorm:"index"` // active, discharged
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (ClientView) TableName() string { return "clients_view" }

func (r *Router) applyClient(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "client.created":
		row := &ClientView{
			ID:             ev.StreamID,
			OrganizationID: str(data, "organizationId"),
			FirstName:      str(data, "firstName"),
			LastName:       str(data, "lastName"),
			DateOfBirth:    str(data, "dateOfBirth"),
			Status:         "active",
			CreatedAt:      ev.CreatedAt,
			UpdatedAt:      ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "client.updated":
		updates := map[string]interface{}{}
		for field, column := range map[string]string{
			"firstName": "first_name", "lastName": "last_name", "dateOfBirth": "date_of_birth",
		} {
			if v := str(data, field); v != "" {
				updates[column] = v
			}
		}
		return guardedUpdate(tx, &ClientView{}, ev.StreamID, ev.CreatedAt, updates)

	case "client.discharged":
		return guardedUpdate(tx, &ClientView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "discharged"})

	default:
		return r.unhandled(ev)
	}
}
