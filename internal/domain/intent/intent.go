package intent

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Type identifies what an intent asks a collaborator to do.
type Type string

const (
	TypeWorkflowTrigger Type = "WORKFLOW_TRIGGER"
	TypeEventPublish    Type = "EVENT_PUBLISH"
)

// Logical consumers of intents.
const (
	TargetOrchestrator = "orchestrator"
	TargetEventBus     = "event-bus"
)

// Payload keys set by the factory.
const (
	KeyTopic         = "topic"
	KeyOperationType = "operation_type"
	KeyFSMType       = "fsm_type"
	KeyEntityID      = "entity_id"
	KeyPreviousState = "previous_state"
	KeyCurrentState  = "current_state"
	KeyPayload       = "payload"
)

// Intent is a declarative side effect produced by a transition. It is
// never mutated after creation.
type Intent struct {
	ID            uuid.UUID         `json:"id"`
	Type          Type              `json:"intentType"`
	Target        string            `json:"target"`
	Payload       map[string]any    `json:"payload"`
	CorrelationID string            `json:"correlationId"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// New builds an intent, copying payload and metadata.
func New(t Type, target string, payload map[string]any, correlationID string, metadata map[string]string, now time.Time) Intent {
	return Intent{
		ID:            uuid.New(),
		Type:          t,
		Target:        target,
		Payload:       maps.Clone(payload),
		CorrelationID: correlationID,
		Timestamp:     now,
		Metadata:      maps.Clone(metadata),
	}
}

// Topic returns the event topic of an EVENT_PUBLISH intent.
func (i Intent) Topic() string {
	t, _ := i.Payload[KeyTopic].(string)
	return t
}

// EntityID returns the entity the intent was produced for.
func (i Intent) EntityID() string {
	id, _ := i.Payload[KeyEntityID].(string)
	return id
}
