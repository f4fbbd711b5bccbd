package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
)

const fsmStateColumns = `fsm_type, entity_id, current_state, previous_state, transition_timestamp, metadata, lease_id, lease_epoch, lease_expires_at, version, created_at`

// FSMStore implements fsm.Store on PostgreSQL.
type FSMStore struct {
	pool *pgxpool.Pool
}

func NewFSMStore(pool *pgxpool.Pool) *FSMStore {
	return &FSMStore{pool: pool}
}

// RunInTx runs fn in a read-committed transaction. Rows read through the
// Tx are locked with SELECT ... FOR UPDATE until commit.
func (s *FSMStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx fsm.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, &fsmTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (s *FSMStore) Get(ctx context.Context, fsmType, entityID string) (*fsm.State, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+fsmStateColumns+`
		FROM fsm_states
		WHERE fsm_type=$1 AND entity_id=$2
	`, fsmType, entityID)
	st, err := scanFSMState(row)
	if err != nil {
		return nil, classify("get", err)
	}
	return st, nil
}

// Health pings the pool.
func (s *FSMStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type fsmTx struct {
	tx pgx.Tx
}

func (t *fsmTx) Load(ctx context.Context, fsmType, entityID string) (*fsm.State, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+fsmStateColumns+`
		FROM fsm_states
		WHERE fsm_type=$1 AND entity_id=$2
		FOR UPDATE
	`, fsmType, entityID)
	st, err := scanFSMState(row)
	if err != nil {
		return nil, classify("load", err)
	}
	return st, nil
}

func (t *fsmTx) Init(ctx context.Context, st *fsm.State) (*fsm.State, error) {
	meta, err := encodeMetadata(st.Metadata)
	if err != nil {
		return nil, fsm.StorageError("init", false, err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO fsm_states
		(fsm_type, entity_id, current_state, previous_state, transition_timestamp, metadata, lease_id, lease_epoch, lease_expires_at, version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (fsm_type, entity_id) DO NOTHING
	`, st.FSMType, st.EntityID, st.CurrentState, st.PreviousState, st.TransitionTimestamp, meta,
		st.LeaseID, st.LeaseEpoch, st.LeaseExpiresAt, st.Version, st.CreatedAt)
	if err != nil {
		return nil, classify("init", err)
	}
	// A concurrent initializer may have won; the row is the source of truth.
	loaded, err := t.Load(ctx, st.FSMType, st.EntityID)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, fsm.StorageError("init", true, fmt.Errorf("row %s/%s vanished after insert", st.FSMType, st.EntityID))
	}
	return loaded, nil
}

func (t *fsmTx) Update(ctx context.Context, st *fsm.State, expectedState string, expectedVersion int64) error {
	meta, err := encodeMetadata(st.Metadata)
	if err != nil {
		return fsm.StorageError("update", false, err)
	}
	res, err := t.tx.Exec(ctx, `
		UPDATE fsm_states
		SET current_state=$1, previous_state=$2, transition_timestamp=$3, metadata=$4,
		    lease_id=$5, lease_epoch=$6, lease_expires_at=$7, version=$8
		WHERE fsm_type=$9 AND entity_id=$10 AND current_state=$11 AND version=$12
	`, st.CurrentState, st.PreviousState, st.TransitionTimestamp, meta,
		st.LeaseID, st.LeaseEpoch, st.LeaseExpiresAt, expectedVersion+1,
		st.FSMType, st.EntityID, expectedState, expectedVersion)
	if err != nil {
		return classify("update", err)
	}
	if res.RowsAffected() == 0 {
		return fsm.NewError(fsm.KindConflict, "update", "state changed concurrently", fsm.ErrConflict)
	}
	st.Version = expectedVersion + 1
	return nil
}

func scanFSMState(row pgx.Row) (*fsm.State, error) {
	var st fsm.State
	var meta []byte
	err := row.Scan(&st.FSMType, &st.EntityID, &st.CurrentState, &st.PreviousState, &st.TransitionTimestamp,
		&meta, &st.LeaseID, &st.LeaseEpoch, &st.LeaseExpiresAt, &st.Version, &st.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	st.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &st.Metadata); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}
