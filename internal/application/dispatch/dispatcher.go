// Package dispatch turns transition intents into router publishes.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/knowledge-hub/knowledge-hub/internal/application/router"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/intent"
)

// WorkflowTriggerTopic carries WORKFLOW_TRIGGER intents to the orchestrator.
const WorkflowTriggerTopic = "orchestrator.workflow.trigger.v1"

// Header names set on dispatched messages.
const (
	HeaderCorrelationID = "correlation_id"
	HeaderIntentID      = "intent_id"
	HeaderIntentType    = "intent_type"
)

// Publisher is the subset of the router the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any, opts ...router.PublishOption) error
}

// Dispatcher publishes intents through the event router.
type Dispatcher struct {
	publisher Publisher
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(publisher Publisher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		logger:    logger.With().Str("service", "intent_dispatch").Logger(),
	}
}

// Dispatch publishes every intent in order. All intents are attempted;
// failures are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []intent.Intent) error {
	var errs []error
	for _, in := range intents {
		if err := d.dispatch(ctx, in); err != nil {
			errs = append(errs, fmt.Errorf("intent %s (%s): %w", in.ID, in.Type, err))
			continue
		}
		d.logger.Debug().
			Str("intent_id", in.ID.String()).
			Str("intent_type", string(in.Type)).
			Str("correlation_id", in.CorrelationID).
			Msg("intent dispatched")
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, in intent.Intent) error {
	headers := map[string]string{
		HeaderCorrelationID: in.CorrelationID,
		HeaderIntentID:      in.ID.String(),
		HeaderIntentType:    string(in.Type),
	}
	opts := []router.PublishOption{router.WithKey(in.EntityID()), router.WithHeaders(headers)}

	switch in.Type {
	case intent.TypeEventPublish:
		topic := in.Topic()
		if topic == "" {
			return errors.New("event intent has no topic")
		}
		opts = append(opts, router.WithRoutingContext(event.RoutingContext{RequiresPersistence: true}))
		return d.publisher.Publish(ctx, topic, in.Payload, opts...)
	case intent.TypeWorkflowTrigger:
		return d.publisher.Publish(ctx, WorkflowTriggerTopic, in.Payload, opts...)
	default:
		return fmt.Errorf("unsupported intent type %q", in.Type)
	}
}
