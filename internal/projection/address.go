package projection

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
)

type AddressView struct {
	ID         string `gorm:"primaryKey"`
	ContactID  string `gorm:"index"`
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Kind       string // home, work, billing
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

func (AddressView) TableName() string { return "addresses_view" }

func (r *Router) applyAddress(tx *gorm.DB, ev *eventstore.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case "address.created":
		row := &AddressView{
			ID:         ev.StreamID,
			ContactID:  str(data, "contactId"),
			Line1:      str(data, "line1"),
			Line2:      str(data, "line2"),
			City:       str(data, "city"),
			Region:     str(data, "region"),
			PostalCode: str(data, "postalCode"),
			Country:    str(data, "country"),
			Kind:       str(data, "kind"),
			CreatedAt:  ev.CreatedAt,
			UpdatedAt:  ev.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case "address.updated":
		updates := map[string]interface{}{}
		for field, column := range map[string]string{
			"line1": "line1", "line2": "line2", "city": "city",
			"region": "region", "postalCode": "postal_code", "country": "country",
		} {
			if v := str(data, field); v != "" {
				updates[column] = v
			}
		}
		return guardedUpdate(tx, &AddressView{}, ev.StreamID, ev.CreatedAt, updates)

	case "address.deleted":
		return softDelete(tx, &AddressView{}, ev.StreamID, ev.CreatedAt)

	default:
		return r.unhandled(ev)
	}
}
