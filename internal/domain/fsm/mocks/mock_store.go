package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
)

// MockStore is a mock implementation of fsm.Store. RunInTx hands Tx to
// the callback when the expectation returns nil.
type MockStore struct {
	mock.Mock
	Tx *MockTx
}

func (m *MockStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx fsm.Tx) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx, m.Tx)
}

func (m *MockStore) Get(ctx context.Context, fsmType, entityID string) (*fsm.State, error) {
	args := m.Called(ctx, fsmType, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fsm.State), args.Error(1)
}

// MockTx is a mock implementation of fsm.Tx.
type MockTx struct {
	mock.Mock
}

// Load returns the configured state. A func(ctx, fsmType, entityID)
// *fsm.State return value is called on every invocation.
func (m *MockTx) Load(ctx context.Context, fsmType, entityID string) (*fsm.State, error) {
	args := m.Called(ctx, fsmType, entityID)
	if fn, ok := args.Get(0).(func(context.Context, string, string) *fsm.State); ok {
		return fn(ctx, fsmType, entityID), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fsm.State), args.Error(1)
}

func (m *MockTx) Init(ctx context.Context, st *fsm.State) (*fsm.State, error) {
	args := m.Called(ctx, st)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fsm.State), args.Error(1)
}

func (m *MockTx) Update(ctx context.Context, st *fsm.State, expectedState string, expectedVersion int64) error {
	args := m.Called(ctx, st, expectedState, expectedVersion)
	return args.Error(0)
}
