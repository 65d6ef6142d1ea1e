package projection

import (
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/faults"
)

// junctionTables is the allowlist of join tables the generic handler may
// touch. The stream_type "junction.<name>" names one of these; anything
// else is a catalog mistake, reported as a validation failure rather than
// interpolated into SQL.
var junctionTables = map[string]struct{}{
	"user_roles_view":         {},
	"client_medications_view": {},
	"client_contacts_view":    {},
	"unit_users_view":         {},
}

// JunctionRow is the generic shape of every join table.
type JunctionRow struct {
	LeftID   string    `gorm:"column:left_id;primaryKey"`
	RightID  string    `gorm:"column:right_id;primaryKey"`
	LinkedAt time.Time `gorm:"column:linked_at"`
}

// applyJunction inserts or deletes a row in the named join table. Link is
// ON CONFLICT DO NOTHING, unlink is a plain delete; both are idempotent.
func (r *Router) applyJunction(tx *gorm.DB, ev *eventstore.Event) error {
	table := strings.TrimPrefix(ev.StreamType, "junction.") + "_view"
	if _, ok := junctionTables[table]; !ok {
		return faults.Newf(faults.Validation, "unknown junction table for stream type %s", ev.StreamType)
	}

	data, err := payload(ev)
	if err != nil {
		return err
	}
	left, right := str(data, "leftId"), str(data, "rightId")
	if left == "" || right == "" {
		return faults.Newf(faults.Validation, "junction event %s missing leftId/rightId", ev.EventID)
	}

	switch {
	case strings.HasSuffix(ev.EventType, ".linked"):
		row := &JunctionRow{LeftID: left, RightID: right, LinkedAt: ev.CreatedAt}
		return tx.Table(table).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error

	case strings.HasSuffix(ev.EventType, ".unlinked"):
		return tx.Table(table).
			Where("left_id = ? AND right_id = ?", left, right).
			Delete(&JunctionRow{}).Error

	default:
		return r.unhandled(ev)
	}
}
