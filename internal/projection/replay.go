package projection

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/logger"
)

// Replayer rebuilds every projection from the log. Running all handlers
// against all events in stream order must reproduce the live projection
// state exactly; that property is what makes processing_error rows
// reparable.
type Replayer struct {
	db     *database.DB
	router *Router
	log    logger.Logger

	// BatchSize bounds memory while streaming the log.
	BatchSize int
}

func NewReplayer(db *database.DB, router *Router, log logger.Logger) *Replayer {
	return &Replayer{db: db, router: router, log: log, BatchSize: 500}
}

// Replay truncates the read models and replays the full log in
// (stream_id, stream_type, stream_version) order. Handler failures are
// logged and skipped, mirroring live behavior where a bad event records a
// processing_error without stopping the stream.
func (r *Replayer) Replay(ctx context.Context) error {
	if err := Truncate(r.db); err != nil {
		return err
	}

	var replayed, failed int
	var batch []eventstore.Event
	err := r.db.WithContext(ctx).
		Model(&eventstore.Event{}).
		Order("stream_id ASC, stream_type ASC, stream_version ASC").
		FindInBatches(&batch, r.BatchSize, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				ev := &batch[i]
				if err := r.db.Transaction(func(htx *gorm.DB) error {
					return r.router.Apply(htx, ev)
				}); err != nil {
					failed++
					r.log.Warn("replay: handler failed, skipping event",
						"event_id", ev.EventID, "event_type", ev.EventType, "error", err)
					continue
				}
				replayed++
			}
			return nil
		}).Error
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}

	r.log.Info("projection replay finished", "replayed", replayed, "failed", failed)
	return nil
}
