package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

type PhoneView struct {
	ID        string `gorm:"primaryKey"`
	ContactID string `gorm:"index"`
	Number    string
	Kind      string // mobile, office, fax
	Primary   bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (PhoneView) TableName() string { return "phones_view" }

func (r *Router) applyPhone(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "phone.created":
		row := &PhoneView{
			ID:        ev.StreamID,
			ContactID: str(data, "contactId"),
			Number:    str(data, "number"),
			Kind:      str(data, "kind"),
			Primary:   data["primary"] == true,
			CreatedAt: ev.CreatedAt,
			UpdatedAt: ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "phone.updated":
		updates := map[string]interface{}{}
		if v := str(data, "number"); v != "" {
			updates["number"] = v
		}
		if v := str(data, "kind"); v != "" {
			updates["kind"] = v
		}
		if v, ok := data["primary"].(bool); ok {
			updates["primary"] = v
		}
		return guardedUpdate(tx, &PhoneView{}, ev.StreamID, ev.CreatedAt, updates)

	case "phone.deleted":
		return softDelete(tx, &PhoneView{}, ev.StreamID, ev.CreatedAt)

	default:
		return r.unhandled(ev)
	}
}
