// Package intake consumes FSM commands from the event router and publishes
// their outcomes. It is the entry point for collaborators that drive
// entities through events instead of calling the reducer in-process.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knowledge-hub/knowledge-hub/internal/application/router"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/telemetry"
)

var tracer = otel.Tracer("github.com/knowledge-hub/knowledge-hub/internal/application/intake")

// Topics used by the consumer.
const (
	CommandTopic = "fsm.command.requested.v1"
	OutcomeTopic = "fsm.command.completed.v1"
)

// HeaderCorrelationID is copied from commands to their outcomes.
const HeaderCorrelationID = "correlation_id"

// Op names the command to run.
type Op string

const (
	OpTransition   Op = "transition"
	OpAcquireLease Op = "acquire_lease"
	OpRenewLease   Op = "renew_lease"
	OpReleaseLease Op = "release_lease"
)

// Command is the payload of a CommandTopic event. An empty Op is a
// transition.
type Command struct {
	Op            Op             `json:"op,omitempty"`
	FSMType       string         `json:"fsm_type"`
	EntityID      string         `json:"entity_id"`
	Trigger       string         `json:"trigger,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	LeaseID       *string        `json:"lease_id,omitempty"`
	Epoch         *int64         `json:"epoch,omitempty"`
	TTLSeconds    int            `json:"ttl_seconds,omitempty"`
}

// Outcome is the payload of an OutcomeTopic event.
type Outcome struct {
	Op            Op         `json:"op"`
	FSMType       string     `json:"fsm_type"`
	EntityID      string     `json:"entity_id"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Success       bool       `json:"success"`
	PreviousState string     `json:"previous_state,omitempty"`
	CurrentState  string     `json:"current_state,omitempty"`
	Intents       int        `json:"intents,omitempty"`
	Lease         *fsm.Lease `json:"lease,omitempty"`
	ErrorKind     fsm.Kind   `json:"error_kind,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
}

// Bus is the subset of the router the consumer needs.
type Bus interface {
	Subscribe(ctx context.Context, topic string, handler event.Handler) (event.Subscription, error)
	Publish(ctx context.Context, topic string, payload map[string]any, opts ...router.PublishOption) error
}

// Transitioner runs transition requests.
type Transitioner interface {
	Transition(ctx context.Context, req fsm.Request) (*fsm.Result, error)
}

// Leaser manages entity leases.
type Leaser interface {
	Acquire(ctx context.Context, fsmType, entityID string, ttl time.Duration) (fsm.Lease, error)
	Renew(ctx context.Context, fsmType, entityID string, lease fsm.Lease, ttl time.Duration) (fsm.Lease, error)
	Release(ctx context.Context, fsmType, entityID string, lease fsm.Lease) error
}

// Consumer executes commands and reports each outcome.
type Consumer struct {
	bus    Bus
	fsm    Transitioner
	leases Leaser
	logger zerolog.Logger

	mu  sync.Mutex
	sub event.Subscription
}

// NewConsumer creates a command consumer.
func NewConsumer(bus Bus, transitions Transitioner, leases Leaser, logger zerolog.Logger) *Consumer {
	return &Consumer{
		bus:    bus,
		fsm:    transitions,
		leases: leases,
		logger: logger.With().Str("service", "fsm_intake").Logger(),
	}
}

// Start subscribes to CommandTopic. Calling Start twice is an error.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return fmt.Errorf("intake consumer already started")
	}
	sub, err := c.bus.Subscribe(ctx, CommandTopic, c.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", CommandTopic, err)
	}
	c.sub = sub
	c.logger.Info().Str("topic", CommandTopic).Msg("intake consumer started")
	return nil
}

// Close stops consuming. It is safe to call more than once.
func (c *Consumer) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (c *Consumer) handle(ctx context.Context, msg event.Message) error {
	ctx, span := tracer.Start(telemetry.ExtractHeaders(ctx, msg.Headers), "intake.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	cmd, err := decodeCommand(msg)
	var out Outcome
	if err != nil {
		out = Outcome{Op: cmd.Op, FSMType: cmd.FSMType, EntityID: cmd.EntityID, CorrelationID: cmd.CorrelationID}
		fail(&out, fsm.NewError(fsm.KindValidation, "decode", "malformed command", err))
	} else {
		out = c.Execute(ctx, cmd)
	}

	log := c.logger.Debug()
	if !out.Success {
		log = c.logger.Warn().Strs("errors", out.Errors)
	}
	log.Str("message_id", msg.ID).
		Str("op", string(out.Op)).
		Str("fsm_type", out.FSMType).
		Str("entity_id", out.EntityID).
		Str("correlation_id", out.CorrelationID).
		Bool("success", out.Success).
		Msg("command handled")
	span.SetAttributes(
		attribute.String("fsm.op", string(out.Op)),
		attribute.String("fsm.type", out.FSMType),
		attribute.String("fsm.entity_id", out.EntityID),
	)
	if !out.Success {
		span.SetStatus(codes.Error, string(out.ErrorKind))
	}

	payload, err := toPayload(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return c.bus.Publish(ctx, OutcomeTopic, payload,
		router.WithKey(out.EntityID),
		router.WithHeaders(map[string]string{HeaderCorrelationID: out.CorrelationID}),
	)
}

// Execute runs one command. Failures are reported in the outcome.
func (c *Consumer) Execute(ctx context.Context, cmd Command) Outcome {
	if cmd.Op == "" {
		cmd.Op = OpTransition
	}
	out := Outcome{Op: cmd.Op, FSMType: cmd.FSMType, EntityID: cmd.EntityID, CorrelationID: cmd.CorrelationID}
	ttl := time.Duration(cmd.TTLSeconds) * time.Second

	switch cmd.Op {
	case OpTransition:
		res, err := c.fsm.Transition(ctx, fsm.Request{
			FSMType:       cmd.FSMType,
			EntityID:      cmd.EntityID,
			Trigger:       cmd.Trigger,
			Payload:       cmd.Payload,
			CorrelationID: cmd.CorrelationID,
			LeaseID:       cmd.LeaseID,
			Epoch:         cmd.Epoch,
		})
		if res != nil {
			out.Success = res.Success
			out.PreviousState = res.PreviousState
			out.CurrentState = res.CurrentState
			out.Intents = len(res.Intents)
			out.Errors = res.Errors
		}
		if err != nil {
			out.Success = false
			out.ErrorKind = fsm.KindOf(err)
			if len(out.Errors) == 0 {
				out.Errors = []string{err.Error()}
			}
		}
	case OpAcquireLease:
		lease, err := c.leases.Acquire(ctx, cmd.FSMType, cmd.EntityID, ttl)
		leaseOutcome(&out, &lease, err)
	case OpRenewLease:
		held, err := heldLease(cmd)
		if err != nil {
			fail(&out, err)
			break
		}
		lease, err := c.leases.Renew(ctx, cmd.FSMType, cmd.EntityID, held, ttl)
		leaseOutcome(&out, &lease, err)
	case OpReleaseLease:
		held, err := heldLease(cmd)
		if err == nil {
			err = c.leases.Release(ctx, cmd.FSMType, cmd.EntityID, held)
		}
		leaseOutcome(&out, nil, err)
	default:
		fail(&out, fsm.Errorf(fsm.KindValidation, "intake", "unknown op %q", cmd.Op))
	}
	return out
}

func heldLease(cmd Command) (fsm.Lease, error) {
	if cmd.LeaseID == nil || *cmd.LeaseID == "" {
		return fsm.Lease{}, fsm.Errorf(fsm.KindValidation, string(cmd.Op), "lease_id is required")
	}
	lease := fsm.Lease{ID: *cmd.LeaseID}
	if cmd.Epoch != nil {
		lease.Epoch = *cmd.Epoch
	}
	return lease, nil
}

func leaseOutcome(out *Outcome, lease *fsm.Lease, err error) {
	if err != nil {
		fail(out, err)
		return
	}
	out.Success = true
	out.Lease = lease
}

func fail(out *Outcome, err error) {
	out.Success = false
	out.ErrorKind = fsm.KindOf(err)
	out.Errors = append(out.Errors, err.Error())
}

// decodeCommand reads a command from an event payload. The correlation
// header is used when the payload carries none. On error the partially
// decoded command is still returned so the outcome can be addressed.
func decodeCommand(msg event.Message) (Command, error) {
	var cmd Command
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return cmd, err
	}
	err = json.Unmarshal(raw, &cmd)
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = msg.Headers[HeaderCorrelationID]
	}
	return cmd, err
}

func toPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
