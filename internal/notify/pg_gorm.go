package notify

import (
	"context"

	"github.com/careflow-go/pkg/database"
)

// GormNotifier adapts the shared gorm handle to the NOTIFY side of PGBus.
type GormNotifier struct {
	db *database.DB
}

func NewGormNotifier(db *database.DB) *GormNotifier {
	return &GormNotifier{db: db}
}

func (g *GormNotifier) Notify(ctx context.Context, channel, payload string) error {
	return g.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, payload).Error
}
