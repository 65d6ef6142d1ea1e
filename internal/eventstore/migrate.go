package eventstore

import (
	"fmt"

	"github.com/careflow-go/pkg/database"
)

// Migrate creates the log table plus the expression and partial indexes the
// query API needs. AutoMigrate covers the plain columns; the JSON and
// partial indexes are postgres-specific and created with raw DDL.
func Migrate(db *database.DB) error {
	if err := db.AutoMigrate(&Event{}); err != nil {
		return fmt.Errorf("migrate domain_events: %w", err)
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_workflow_id
		   ON domain_events ((event_metadata ->> 'workflow_id'))`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow_run_id
		   ON domain_events ((event_metadata ->> 'workflow_run_id'))`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow_event_type
		   ON domain_events ((event_metadata ->> 'workflow_id'), event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_unprocessed
		   ON domain_events (event_type, created_at)
		   WHERE processed_at IS NULL`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// JSONField renders the dialect-appropriate SQL expression extracting a
// text value from a JSON column. Postgres uses ->>, sqlite (tests) uses
// json_extract.
func JSONField(dialect, column, key string) string {
	if dialect == "postgres" {
		return fmt.Sprintf("%s ->> '%s'", column, key)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
}
