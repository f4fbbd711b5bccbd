package fsm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
)

// DefaultLeaseTTL is used when Acquire or Renew is called without a ttl.
const DefaultLeaseTTL = 30 * time.Second

// LeaseGuard grants and checks advisory leases on FSM entities. Leases
// only restrict callers that present one to the reducer.
type LeaseGuard struct {
	store     fsm.Store
	registry  *fsm.Registry
	txTimeout time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewLeaseGuard creates a lease guard. It shares the reducer's
// TransactionTimeout; the other Config fields are ignored.
func NewLeaseGuard(store fsm.Store, registry *fsm.Registry, cfg Config, logger zerolog.Logger) *LeaseGuard {
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = DefaultTransactionTimeout
	}
	return &LeaseGuard{
		store:     store,
		registry:  registry,
		txTimeout: cfg.TransactionTimeout,
		now:       time.Now,
		logger:    logger.With().Str("service", "lease_guard").Logger(),
	}
}

// bounded applies the transaction timeout unless ctx already has a deadline.
func (g *LeaseGuard) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.txTimeout)
}

// CheckLease reports whether leaseID/epoch may mutate the entity.
func (g *LeaseGuard) CheckLease(ctx context.Context, fsmType, entityID, leaseID string, epoch int64) (fsm.LeaseStatus, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()
	st, err := g.store.Get(ctx, fsmType, entityID)
	if err != nil {
		return fsm.LeaseInvalid, err
	}
	return fsm.EvaluateLease(st, leaseID, epoch, g.now()), nil
}

// Acquire grants a new lease when none is active. The epoch increases with
// every grant so stale holders are rejected after a handover.
func (g *LeaseGuard) Acquire(ctx context.Context, fsmType, entityID string, ttl time.Duration) (fsm.Lease, error) {
	contract, err := g.registry.Lookup(fsmType)
	if err != nil {
		return fsm.Lease{}, err
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	ctx, cancel := g.bounded(ctx)
	defer cancel()

	var lease fsm.Lease
	err = g.store.RunInTx(ctx, func(ctx context.Context, tx fsm.Tx) error {
		now := g.now()
		st, err := tx.Load(ctx, fsmType, entityID)
		if err != nil {
			return err
		}
		if st == nil {
			if st, err = tx.Init(ctx, fsm.NewState(fsmType, entityID, contract.InitialState, now)); err != nil {
				return err
			}
		}
		if st.LeaseActive(now) {
			return fsm.Errorf(fsm.KindLeaseConflict, "acquire", "lease already held until %s", st.LeaseExpiresAt.UTC().Format(time.RFC3339))
		}

		lease = fsm.Lease{ID: uuid.NewString(), Epoch: st.LeaseEpoch + 1, ExpiresAt: now.Add(ttl)}
		version := st.Version
		st.LeaseID = &lease.ID
		st.LeaseEpoch = lease.Epoch
		st.LeaseExpiresAt = &lease.ExpiresAt
		return tx.Update(ctx, st, st.CurrentState, version)
	})
	if err != nil {
		return fsm.Lease{}, err
	}
	g.logger.Debug().Str("fsm_type", fsmType).Str("entity_id", entityID).Int64("epoch", lease.Epoch).Msg("lease acquired")
	return lease, nil
}

// Renew extends the expiry of a lease the caller still holds.
func (g *LeaseGuard) Renew(ctx context.Context, fsmType, entityID string, lease fsm.Lease, ttl time.Duration) (fsm.Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	err := g.mutateHeld(ctx, "renew", fsmType, entityID, lease, func(st *fsm.State, now time.Time) {
		lease.ExpiresAt = now.Add(ttl)
		st.LeaseExpiresAt = &lease.ExpiresAt
	})
	if err != nil {
		return fsm.Lease{}, err
	}
	return lease, nil
}

// Release clears the lease. The epoch is kept so the next grant is newer.
func (g *LeaseGuard) Release(ctx context.Context, fsmType, entityID string, lease fsm.Lease) error {
	err := g.mutateHeld(ctx, "release", fsmType, entityID, lease, func(st *fsm.State, _ time.Time) {
		st.LeaseID = nil
		st.LeaseExpiresAt = nil
	})
	if err == nil {
		g.logger.Debug().Str("fsm_type", fsmType).Str("entity_id", entityID).Int64("epoch", lease.Epoch).Msg("lease released")
	}
	return err
}

func (g *LeaseGuard) mutateHeld(ctx context.Context, op, fsmType, entityID string, lease fsm.Lease, mutate func(*fsm.State, time.Time)) error {
	ctx, cancel := g.bounded(ctx)
	defer cancel()
	return g.store.RunInTx(ctx, func(ctx context.Context, tx fsm.Tx) error {
		now := g.now()
		st, err := tx.Load(ctx, fsmType, entityID)
		if err != nil {
			return err
		}
		if fsm.EvaluateLease(st, lease.ID, lease.Epoch, now) != fsm.LeaseValid {
			return fsm.Errorf(fsm.KindLeaseConflict, op, "invalid or expired lease")
		}
		version := st.Version
		mutate(st, now)
		return tx.Update(ctx, st, st.CurrentState, version)
	})
}
