package eventstore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata keys with meaning to the core. Producers add their own keys
// (actor, tenant_id, org_id, reason) alongside; the core never interprets
// those.
const (
	MetaWorkflowID    = "workflow_id"
	MetaWorkflowRunID = "workflow_run_id"
	MetaWorkflowType  = "workflow_type"
	MetaActivityID    = "activity_id"
	MetaTimestamp     = "timestamp"
)

// Metadata is the event_metadata JSON document. Stored as a single column so
// the log stays schema-free; provenance lookups go through expression
// indexes.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}
	if len(b) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// WorkflowID returns the provenance workflow id, empty when the event was
// not produced by (or has not yet been claimed by) a workflow.
func (m Metadata) WorkflowID() string { return m.str(MetaWorkflowID) }

func (m Metadata) WorkflowRunID() string { return m.str(MetaWorkflowRunID) }

func (m Metadata) WorkflowType() string { return m.str(MetaWorkflowType) }

func (m Metadata) ActivityID() string { return m.str(MetaActivityID) }

func (m Metadata) str(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Provenance is the set of workflow identity fields stamped into
// event_metadata when an event is claimed by or emitted from a workflow.
type Provenance struct {
	WorkflowID    string
	WorkflowRunID string
	WorkflowType  string
	ActivityID    string
}

// Apply merges the provenance into the metadata. Fields already present are
// left alone: the first writer wins, and duplicate trigger deliveries carry
// the same deterministic id anyway.
func (p Provenance) Apply(m Metadata) Metadata {
	if m == nil {
		m = Metadata{}
	}
	set := func(key, val string) {
		if val == "" {
			return
		}
		if cur, ok := m[key].(string); ok && cur != "" {
			return
		}
		m[key] = val
	}
	set(MetaWorkflowID, p.WorkflowID)
	set(MetaWorkflowRunID, p.WorkflowRunID)
	set(MetaWorkflowType, p.WorkflowType)
	set(MetaActivityID, p.ActivityID)
	if _, ok := m[MetaTimestamp]; !ok {
		m[MetaTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return m
}

// Event is one row of the append-only domain_events log. Rows are never
// deleted; the only mutations allowed are processed_at, processing_error,
// retry_count, and first-time provenance attachment.
type Event struct {
	EventID         string          `json:"event_id" gorm:"column:event_id;primaryKey"`
	StreamID        string          `json:"stream_id" gorm:"column:stream_id;not null;uniqueIndex:idx_stream_version,priority:1"`
	StreamType      string          `json:"stream_type" gorm:"column:stream_type;not null;uniqueIndex:idx_stream_version,priority:2"`
	StreamVersion   int64           `json:"stream_version" gorm:"column:stream_version;not null;uniqueIndex:idx_stream_version,priority:3"`
	EventType       string          `json:"event_type" gorm:"column:event_type;not null;index"`
	EventData       json.RawMessage `json:"event_data" gorm:"column:event_data;type:jsonb"`
	EventMetadata   Metadata        `json:"event_metadata" gorm:"column:event_metadata;type:jsonb"`
	CreatedAt       time.Time       `json:"created_at" gorm:"column:created_at;not null;index"`
	ProcessedAt     *time.Time      `json:"processed_at" gorm:"column:processed_at"`
	ProcessingError *string         `json:"processing_error" gorm:"column:processing_error"`
	RetryCount      int             `json:"retry_count" gorm:"column:retry_count;not null;default:0"`
}

func (Event) TableName() string { return "domain_events" }

// DecodeData unmarshals event_data into v.
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}

// AppendRequest is the input to Store.Append.
type AppendRequest struct {
	StreamID   string
	StreamType string
	EventType  string
	EventData  interface{}
	Metadata   Metadata
}
