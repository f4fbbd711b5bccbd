package fsm

import "github.com/knowledge-hub/knowledge-hub/internal/domain/intent"

// Request asks the reducer to fire Trigger on an entity.
type Request struct {
	FSMType       string         `json:"fsmType"`
	EntityID      string         `json:"entityId"`
	Trigger       string         `json:"trigger"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	LeaseID       *string        `json:"leaseId,omitempty"`
	Epoch         *int64         `json:"epoch,omitempty"`
}

// Result is the outcome of one transition request. On failure
// CurrentState holds the unchanged state when it could be read.
type Result struct {
	Success       bool            `json:"success"`
	PreviousState string          `json:"previousState,omitempty"`
	CurrentState  string          `json:"currentState,omitempty"`
	Intents       []intent.Intent `json:"intents,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
}
