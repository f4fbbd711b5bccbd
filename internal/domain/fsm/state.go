package fsm

import (
	"maps"
	"time"
)

// Metadata keys recorded on every transition.
const (
	MetaLastAction    = "last_action"
	MetaCorrelationID = "correlation_id"
	MetaPayload       = "payload"
)

// State is the persisted state of one entity under one FSM type.
type State struct {
	FSMType             string         `json:"fsmType"`
	EntityID            string         `json:"entityId"`
	CurrentState        string         `json:"currentState"`
	PreviousState       string         `json:"previousState,omitempty"`
	TransitionTimestamp time.Time      `json:"transitionTimestamp"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	LeaseID             *string        `json:"leaseId,omitempty"`
	LeaseEpoch          int64          `json:"leaseEpoch"`
	LeaseExpiresAt      *time.Time     `json:"leaseExpiresAt,omitempty"`
	Version             int64          `json:"version"`
	CreatedAt           time.Time      `json:"createdAt"`
}

// NewState returns the lazily-created row for an entity.
func NewState(fsmType, entityID, initialState string, now time.Time) *State {
	return &State{
		FSMType:             fsmType,
		EntityID:            entityID,
		CurrentState:        initialState,
		TransitionTimestamp: now,
		Metadata:            map[string]any{},
		CreatedAt:           now,
	}
}

// Clone returns a copy that shares no mutable fields with s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	if s.LeaseID != nil {
		id := *s.LeaseID
		c.LeaseID = &id
	}
	if s.LeaseExpiresAt != nil {
		at := *s.LeaseExpiresAt
		c.LeaseExpiresAt = &at
	}
	return &c
}

// HasLease reports whether a lease id is recorded, expired or not.
func (s *State) HasLease() bool {
	return s.LeaseID != nil && *s.LeaseID != ""
}

// LeaseActive reports whether a lease is held and unexpired at now.
func (s *State) LeaseActive(now time.Time) bool {
	return s.HasLease() && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.After(now)
}

// Apply moves the state to target and records the audit metadata.
func (s *State) Apply(target, trigger, correlationID string, payload map[string]any, now time.Time) {
	s.PreviousState = s.CurrentState
	s.CurrentState = target
	s.TransitionTimestamp = now
	s.Metadata = map[string]any{
		MetaLastAction:    trigger,
		MetaCorrelationID: correlationID,
		MetaPayload:       maps.Clone(payload),
	}
}
