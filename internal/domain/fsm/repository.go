package fsm

import "context"

// Store persists FSM state rows keyed by (fsm_type, entity_id).
type Store interface {
	// RunInTx runs fn inside one transaction. fn's error rolls back.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Get reads a row outside any transaction. Returns nil, nil if absent.
	Get(ctx context.Context, fsmType, entityID string) (*State, error)
}

// Tx is the transactional view of the store.
type Tx interface {
	// Load reads and, where the engine supports it, row-locks the state.
	// Returns nil, nil if absent.
	Load(ctx context.Context, fsmType, entityID string) (*State, error)
	// Init inserts st if no row exists and returns the persisted row.
	// Concurrent initializers must both succeed.
	Init(ctx context.Context, st *State) (*State, error)
	// Update writes st only if the row still has expectedState and
	// expectedVersion; otherwise it returns ErrConflict.
	Update(ctx context.Context, st *State, expectedState string, expectedVersion int64) error
}
