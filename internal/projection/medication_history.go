package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

// MedicationHistoryView is an append-only administration record. One row
// per recorded administration, keyed by the event's stream id, so replays
// cannot double-record.
type MedicationHistoryView struct {
	ID             string `gorm:"primaryKey"`
	ClientID       string `gorm:"index"`
	MedicationID   string `gorm:"index"`
	DosageID       string
	AdministeredBy string
	AdministeredAt time.Time
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (MedicationHistoryView) TableName() string { return "medication_history_view" }

func (r *Router) applyMedicationHistory(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "medication_history.recorded":
		administeredAt := ev.CreatedAt
		if raw := str(data, "administeredAt"); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				administeredAt = t.UTC()
			}
		}
		row := &MedicationHistoryView{
			ID:             ev.StreamID,
			ClientID:       str(data, "clientId"),
			MedicationID:   str(data, "medicationId"),
			DosageID:       str(data, "dosageId"),
			AdministeredBy: str(data, "administeredBy"),
			AdministeredAt: administeredAt,
			Notes:          str(data, "notes"),
			CreatedAt:      ev.CreatedAt,
			UpdatedAt:      ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	default:
		return r.unhandled(ev)
	}
}
