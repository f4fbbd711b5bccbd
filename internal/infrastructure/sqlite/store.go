// Package sqlite is the single-node FSM state store. Writes are serialized
// through one connection; optimistic version checks still guard every
// update.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
)

//go:embed schema.sql
var schema string

const stateColumns = `fsm_type, entity_id, current_state, previous_state, transition_timestamp, metadata, lease_id, lease_epoch, lease_expires_at, version, created_at`

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout time.Duration
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{BusyTimeout: 5 * time.Second}
}

// Store implements fsm.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the database at path with WAL and busy_timeout applied to
// every connection, then creates the schema.
func Open(ctx context.Context, path string, cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultConfig().BusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx fsm.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &storeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, fsmType, entityID string) (*fsm.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM fsm_states WHERE fsm_type=? AND entity_id=?`, fsmType, entityID)
	st, err := scanState(row)
	if err != nil {
		return nil, classify("get", err)
	}
	return st, nil
}

type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) Load(ctx context.Context, fsmType, entityID string) (*fsm.State, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM fsm_states WHERE fsm_type=? AND entity_id=?`, fsmType, entityID)
	st, err := scanState(row)
	if err != nil {
		return nil, classify("load", err)
	}
	return st, nil
}

func (t *storeTx) Init(ctx context.Context, st *fsm.State) (*fsm.State, error) {
	meta, err := encodeMetadata(st.Metadata)
	if err != nil {
		return nil, fsm.StorageError("init", false, err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO fsm_states (`+stateColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (fsm_type, entity_id) DO NOTHING
	`, st.FSMType, st.EntityID, st.CurrentState, st.PreviousState, formatTime(st.TransitionTimestamp), meta,
		st.LeaseID, st.LeaseEpoch, formatTimePtr(st.LeaseExpiresAt), st.Version, formatTime(st.CreatedAt))
	if err != nil {
		return nil, classify("init", err)
	}
	loaded, err := t.Load(ctx, st.FSMType, st.EntityID)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, fsm.StorageError("init", true, fmt.Errorf("row %s/%s vanished after insert", st.FSMType, st.EntityID))
	}
	return loaded, nil
}

func (t *storeTx) Update(ctx context.Context, st *fsm.State, expectedState string, expectedVersion int64) error {
	meta, err := encodeMetadata(st.Metadata)
	if err != nil {
		return fsm.StorageError("update", false, err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE fsm_states
		SET current_state=?, previous_state=?, transition_timestamp=?, metadata=?,
		    lease_id=?, lease_epoch=?, lease_expires_at=?, version=?
		WHERE fsm_type=? AND entity_id=? AND current_state=? AND version=?
	`, st.CurrentState, st.PreviousState, formatTime(st.TransitionTimestamp), meta,
		st.LeaseID, st.LeaseEpoch, formatTimePtr(st.LeaseExpiresAt), expectedVersion+1,
		st.FSMType, st.EntityID, expectedState, expectedVersion)
	if err != nil {
		return classify("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update", err)
	}
	if n == 0 {
		return fsm.NewError(fsm.KindConflict, "update", "state changed concurrently", fsm.ErrConflict)
	}
	st.Version = expectedVersion + 1
	return nil
}

func scanState(row *sql.Row) (*fsm.State, error) {
	var (
		st       fsm.State
		ts       string
		created  string
		meta     string
		leaseID  sql.NullString
		leaseExp sql.NullString
	)
	err := row.Scan(&st.FSMType, &st.EntityID, &st.CurrentState, &st.PreviousState, &ts,
		&meta, &leaseID, &st.LeaseEpoch, &leaseExp, &st.Version, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if st.TransitionTimestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if leaseID.Valid {
		id := leaseID.String
		st.LeaseID = &id
	}
	if leaseExp.Valid {
		at, err := parseTime(leaseExp.String)
		if err != nil {
			return nil, err
		}
		st.LeaseExpiresAt = &at
	}
	st.Metadata = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &st.Metadata); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	return string(b), err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func classify(op string, err error) error {
	var fe *fsm.Error
	if errors.As(err, &fe) {
		return err
	}
	return fsm.StorageError(op, isTransient(err), err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return false
}
