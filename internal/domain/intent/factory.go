package intent

import (
	"fmt"
	"strings"
	"time"
)

// Classifier answers per-type questions about states. It must be pure.
type Classifier interface {
	IsProcessing(fsmType, state string) bool
	IsSuccess(fsmType, state string) bool
	IsFailure(fsmType, state string) bool
	Operation(fsmType string) string
}

// Factory maps transitions to intents without side effects.
type Factory struct {
	classifier Classifier
	now        func() time.Time
}

// NewFactory creates a factory backed by classifier.
func NewFactory(classifier Classifier) *Factory {
	return &Factory{classifier: classifier, now: func() time.Time { return time.Now().UTC() }}
}

// EventTopic returns "{fsm_type}.{completed|failed}.v1".
func EventTopic(fsmType string, failed bool) string {
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	return fmt.Sprintf("%s.%s.v1", strings.ToLower(fsmType), outcome)
}

// GenerateIntents returns the intents for a transition from oldState to
// newState, in insertion order: workflow trigger first, then event publish.
func (f *Factory) GenerateIntents(fsmType, entityID, oldState, newState, correlationID string, payload map[string]any) []Intent {
	now := f.now()
	meta := map[string]string{
		KeyFSMType:  fsmType,
		KeyEntityID: entityID,
	}
	var out []Intent

	if f.classifier.IsProcessing(fsmType, newState) {
		out = append(out, New(TypeWorkflowTrigger, TargetOrchestrator, map[string]any{
			KeyOperationType: f.classifier.Operation(fsmType),
			KeyFSMType:       fsmType,
			KeyEntityID:      entityID,
			KeyPayload:       payload,
		}, correlationID, meta, now))
	}

	failed := f.classifier.IsFailure(fsmType, newState)
	if failed || f.classifier.IsSuccess(fsmType, newState) {
		body := make(map[string]any, len(payload)+5)
		for k, v := range payload {
			body[k] = v
		}
		body[KeyTopic] = EventTopic(fsmType, failed)
		body[KeyFSMType] = fsmType
		body[KeyEntityID] = entityID
		body[KeyPreviousState] = oldState
		body[KeyCurrentState] = newState
		out = append(out, New(TypeEventPublish, TargetEventBus, body, correlationID, meta, now))
	}
	return out
}
