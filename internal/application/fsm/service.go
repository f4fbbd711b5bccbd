package fsm

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/intent"
)

// Dispatcher delivers intents produced by committed transitions.
type Dispatcher interface {
	Dispatch(ctx context.Context, intents []intent.Intent) error
}

// Service runs transitions and hands their intents to the dispatcher once
// the state change has committed.
type Service struct {
	reducer    *Reducer
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewService creates the transition service. dispatcher may be nil, in
// which case intents are only returned to the caller.
func NewService(reducer *Reducer, dispatcher Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		reducer:    reducer,
		dispatcher: dispatcher,
		logger:     logger.With().Str("service", "fsm").Logger(),
	}
}

// Transition processes req and dispatches its intents. A dispatch failure
// is reported in Result.Errors; the transition stays committed.
func (s *Service) Transition(ctx context.Context, req fsm.Request) (*fsm.Result, error) {
	res, err := s.reducer.Process(ctx, req)
	if err != nil || s.dispatcher == nil || len(res.Intents) == 0 {
		return res, err
	}
	if err := s.dispatcher.Dispatch(ctx, res.Intents); err != nil {
		s.logger.Error().Err(err).
			Str("fsm_type", req.FSMType).
			Str("entity_id", req.EntityID).
			Str("current_state", res.CurrentState).
			Msg("intent dispatch failed")
		res.Errors = append(res.Errors, "intent dispatch failed: "+err.Error())
	}
	return res, nil
}

// State returns the persisted state of an entity.
func (s *Service) State(ctx context.Context, fsmType, entityID string) (*fsm.State, error) {
	return s.reducer.GetState(ctx, fsmType, entityID)
}
