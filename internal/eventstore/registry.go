package eventstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/careflow-go/pkg/faults"
)

// Definition describes one registered event type: which stream it belongs
// to, the payload rules producers must satisfy, and whether appending it
// starts a workflow.
type Definition struct {
	EventType string `yaml:"-"`

	StreamType string `yaml:"stream_type"`

	// Trigger marks the type as workflow-starting: commits publish on the
	// workflow channel and the listener owns processed_at.
	Trigger bool `yaml:"trigger"`

	// WorkflowType and TaskQueue are required when Trigger is set.
	WorkflowType string `yaml:"workflow_type"`
	TaskQueue    string `yaml:"task_queue"`

	// Schema maps top-level payload fields to validator tag expressions,
	// e.g. "required,email" or "omitempty,hostname_rfc1123".
	Schema map[string]string `yaml:"schema"`
}

// Registry is the event type catalog. Loaded once at startup from the
// human-editable yaml file; producers and consumers that target unknown
// types are rejected.
type Registry struct {
	defs     map[string]Definition
	validate *validator.Validate
}

type catalogFile struct {
	EventTypes map[string]Definition `yaml:"event_types"`
}

// LoadRegistry reads the catalog from path.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event catalog: %w", err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry builds a registry from yaml bytes.
func ParseRegistry(raw []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse event catalog: %w", err)
	}

	r := &Registry{
		defs:     make(map[string]Definition, len(file.EventTypes)),
		validate: validator.New(),
	}

	for eventType, def := range file.EventTypes {
		def.EventType = eventType
		if def.StreamType == "" {
			return nil, fmt.Errorf("event catalog: %s has no stream_type", eventType)
		}
		if def.Trigger && def.WorkflowType == "" {
			return nil, fmt.Errorf("event catalog: trigger type %s has no workflow_type", eventType)
		}
		r.defs[eventType] = def
	}

	return r, nil
}

// NewRegistry builds a registry from definitions directly. Tests and the
// junction fallback use it.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{
		defs:     make(map[string]Definition, len(defs)),
		validate: validator.New(),
	}
	for _, def := range defs {
		r.defs[def.EventType] = def
	}
	return r
}

// Lookup resolves an event type against the catalog. Junction link/unlink
// types are catalog entries like any other, with a "junction.<table>"
// stream_type.
func (r *Registry) Lookup(eventType string) (Definition, error) {
	if def, ok := r.defs[eventType]; ok {
		return def, nil
	}
	return Definition{}, faults.UnknownEventType(eventType)
}

// TriggerTypes returns the registered trigger event types, sorted.
func (r *Registry) TriggerTypes() []string {
	var types []string
	for eventType, def := range r.defs {
		if def.Trigger {
			types = append(types, eventType)
		}
	}
	sort.Strings(types)
	return types
}

// ValidatePayload checks the decoded payload against the definition's field
// rules. Violations surface as Validation faults.
func (r *Registry) ValidatePayload(def Definition, data []byte) error {
	if len(def.Schema) == 0 {
		return nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return faults.Newf(faults.Validation, "event_data for %s is not a JSON object: %v", def.EventType, err)
	}

	var violations []string
	for field, tag := range def.Schema {
		value, present := payload[field]
		if strings.Contains(tag, "required") && (!present || value == nil) {
			violations = append(violations, fmt.Sprintf("%s is required", field))
			continue
		}
		if !present {
			continue
		}
		if err := r.validate.Var(value, tag); err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", field, err))
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		return faults.Newf(faults.Validation, "event_data for %s invalid: %s",
			def.EventType, strings.Join(violations, "; "))
	}
	return nil
}
