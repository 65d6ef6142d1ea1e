package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

type MedicationView struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	Name           string
	Form           string // tablet, liquid, injection
	Strength       string
	Status         string `gorm:"index"` // active, discontinued
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (MedicationView) TableName() string { return "medications_view" }

func (r *Router) applyMedication(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "medication.created":
		row := &MedicationView{
			ID:             ev.StreamID,
			OrganizationID: str(data, "organizationId"),
			Name:           str(data, "name"),
			Form:           str(data, "form"),
			Strength:       str(data, "strength"),
			Status:         "active",
			CreatedAt:      ev.CreatedAt,
			UpdatedAt:      ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "medication.updated":
		updates := map[string]interface{}{}
		for field, column := range map[string]string{
			"name": "name", "form": "form", "strength": "strength",
		} {
			if v := str(data, field); v != "" {
				updates[column] = v
			}
		}
		return guardedUpdate(tx, &MedicationView{}, ev.StreamID, ev.CreatedAt, updates)

	case "medication.discontinued":
		return guardedUpdate(tx, &MedicationView{}, ev.StreamID, ev.CreatedAt,
			map[string]interface{}{"status": "discontinued"})

	default:
		return r.unhandled(ev)
	}
}
