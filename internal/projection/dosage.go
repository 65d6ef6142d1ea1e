package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

type DosageView struct {
	ID           string `gorm:"primaryKey"`
	ClientID     string `gorm:"index"`
	MedicationID string `gorm:"index"`
	Amount       string
	Frequency    string
	Route        string // oral, topical, IV
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

func (DosageView) TableName() string { return "dosages_view" }

func (r *Router) applyDosage(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "dosage.created":
		row := &DosageView{
			ID:           ev.StreamID,
			ClientID:     str(data, "clientId"),
			MedicationID: str(data, "medicationId"),
			Amount:       str(data, "amount"),
			Frequency:    str(data, "frequency"),
			Route:        str(data, "route"),
			CreatedAt:    ev.CreatedAt,
			UpdatedAt:    ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "dosage.updated":
		updates := map[string]interface{}{}
		for field, column := range map[string]string{
			"amount": "amount", "frequency": "frequency", "route": "route",
		} {
			if v := str(data, field); v != "" {
				updates[column] = v
			}
		}
		return guardedUpdate(tx, &DosageView{}, ev.StreamID, ev.CreatedAt, updates)

	case "dosage.deleted":
		return softDelete(tx, &DosageView{}, ev.StreamID, ev.CreatedAt)

	default:
		return r.unhandled(ev)
	}
}
