// Package fsm applies state transitions for every registered FSM type.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/intent"
	"github.com/knowledge-hub/knowledge-hub/internal/metrics"
)

const (
	DefaultTransactionTimeout = 5 * time.Second
	DefaultConflictRetries    = 3
)

var tracer = otel.Tracer("github.com/knowledge-hub/knowledge-hub/internal/application/fsm")

// Config tunes the reducer.
type Config struct {
	LeaseEnforcement   bool
	TransactionTimeout time.Duration
	ConflictRetries    int
}

// Option customizes a Reducer.
type Option func(*Reducer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

// WithRetryInterval sets the first conflict retry delay.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Reducer) { r.retryInterval = d }
}

// Reducer validates and persists transitions and derives their intents.
type Reducer struct {
	store         fsm.Store
	registry      *fsm.Registry
	factory       *intent.Factory
	cfg           Config
	now           func() time.Time
	retryInterval time.Duration
	logger        zerolog.Logger
}

// NewReducer creates a reducer over store using the contracts in registry.
func NewReducer(store fsm.Store, registry *fsm.Registry, cfg Config, logger zerolog.Logger, opts ...Option) *Reducer {
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = DefaultTransactionTimeout
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = DefaultConflictRetries
	}
	r := &Reducer{
		store:         store,
		registry:      registry,
		factory:       intent.NewFactory(registry),
		cfg:           cfg,
		now:           time.Now,
		retryInterval: 20 * time.Millisecond,
		logger:        logger.With().Str("service", "fsm_reducer").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process fires req.Trigger on the entity. The returned Result is never
// nil; when the transition is rejected the error carries its kind.
func (r *Reducer) Process(ctx context.Context, req fsm.Request) (*fsm.Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "fsm.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("fsm.type", req.FSMType),
		attribute.String("fsm.entity_id", req.EntityID),
		attribute.String("fsm.trigger", req.Trigger),
	)

	res, err := r.process(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = string(fsm.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		res.Errors = append(res.Errors, errorMessage(err))
	}
	metrics.RecordTransition(req.FSMType, outcome, time.Since(start).Seconds())

	ev := r.logger.Debug()
	if err != nil {
		ev = r.logger.Warn().Err(err)
	}
	ev.Str("fsm_type", req.FSMType).
		Str("entity_id", req.EntityID).
		Str("trigger", req.Trigger).
		Str("previous_state", res.PreviousState).
		Str("current_state", res.CurrentState).
		Int("intents", len(res.Intents)).
		Msg("transition processed")
	return res, err
}

func (r *Reducer) process(ctx context.Context, req fsm.Request) (*fsm.Result, error) {
	res := &fsm.Result{}
	if strings.TrimSpace(req.EntityID) == "" {
		return res, fsm.Errorf(fsm.KindValidation, "process", "entity_id is required")
	}
	if strings.TrimSpace(req.Trigger) == "" {
		return res, fsm.Errorf(fsm.KindValidation, "process", "trigger is required")
	}
	contract, err := r.registry.Lookup(req.FSMType)
	if err != nil {
		return res, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TransactionTimeout)
		defer cancel()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryInterval
	attempt := 0
	out, err := backoff.Retry(ctx, func() (*fsm.Result, error) {
		attempt++
		res, err := r.attempt(ctx, contract, req)
		if err != nil && !errors.Is(err, fsm.ErrConflict) {
			return res, backoff.Permanent(err)
		}
		if err != nil {
			r.logger.Debug().Int("attempt", attempt).Str("entity_id", req.EntityID).Msg("transition conflict, retrying")
		}
		return res, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(r.cfg.ConflictRetries)))
	if out == nil {
		out = res
	}
	if err != nil && fsm.KindOf(err) == "" {
		// Context expiry while waiting between retries.
		err = fsm.StorageError("process", true, err)
	}
	return out, err
}

// attempt runs one transaction. The result reflects the persisted row even
// when the transition is rejected.
func (r *Reducer) attempt(ctx context.Context, contract *fsm.Contract, req fsm.Request) (*fsm.Result, error) {
	res := &fsm.Result{}
	var read fsm.State
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx fsm.Tx) error {
		st, err := tx.Load(ctx, req.FSMType, req.EntityID)
		if err != nil {
			return err
		}
		if st == nil {
			st, err = tx.Init(ctx, fsm.NewState(req.FSMType, req.EntityID, contract.InitialState, r.now()))
			if err != nil {
				return err
			}
		}
		read.PreviousState, read.CurrentState = st.PreviousState, st.CurrentState

		if r.cfg.LeaseEnforcement && req.LeaseID != nil {
			var epoch int64
			if req.Epoch != nil {
				epoch = *req.Epoch
			}
			if status := fsm.EvaluateLease(st, *req.LeaseID, epoch, r.now()); !status.Authorized() {
				return fsm.Errorf(fsm.KindLeaseConflict, "process", "invalid or expired lease")
			}
		}

		target, err := contract.Resolve(st.CurrentState, req.Trigger, req.Payload)
		if err != nil {
			return err
		}

		expectedState, expectedVersion := st.CurrentState, st.Version
		st.Apply(target, req.Trigger, req.CorrelationID, req.Payload, r.now())
		if err := tx.Update(ctx, st, expectedState, expectedVersion); err != nil {
			return err
		}

		res.Success = true
		res.PreviousState = st.PreviousState
		res.CurrentState = st.CurrentState
		res.Intents = r.factory.GenerateIntents(req.FSMType, req.EntityID, expectedState, target, req.CorrelationID, req.Payload)
		return nil
	})
	if err != nil {
		// The transaction rolled back, so the row is as it was read.
		res.Success = false
		res.Intents = nil
		res.PreviousState, res.CurrentState = read.PreviousState, read.CurrentState
		return res, err
	}
	return res, nil
}

// GetState returns the persisted state, or nil if the entity was never
// transitioned.
func (r *Reducer) GetState(ctx context.Context, fsmType, entityID string) (*fsm.State, error) {
	if _, err := r.registry.Lookup(fsmType); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, fsmType, entityID)
}

// ValidateTransition reports the state trigger would move to from state,
// without touching storage. Guards are evaluated against an empty payload.
func (r *Reducer) ValidateTransition(fsmType, state, trigger string) (string, bool) {
	c, ok := r.registry.Get(fsmType)
	if !ok {
		return "", false
	}
	target, err := c.Resolve(state, trigger, nil)
	if err != nil {
		return "", false
	}
	return target, true
}

func errorMessage(err error) string {
	var fe *fsm.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return fmt.Sprintf("transition failed: %v", err)
}
