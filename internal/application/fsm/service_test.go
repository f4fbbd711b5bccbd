package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/intent"
)

type recordingDispatcher struct {
	calls [][]intent.Intent
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, intents []intent.Intent) error {
	d.calls = append(d.calls, intents)
	return d.err
}

func TestService_DispatchesAfterCommit(t *testing.T) {
	r, _ := newTestReducer(t, Config{})
	d := &recordingDispatcher{}
	svc := NewService(r, d, zerolog.Nop())
	ctx := context.Background()

	res, err := svc.Transition(ctx, fsm.Request{FSMType: "INGESTION", EntityID: "doc-1", Trigger: "START_PROCESSING"})
	require.NoError(t, err)
	require.Len(t, d.calls, 1)
	assert.Equal(t, res.Intents, d.calls[0])

	_, err = svc.Transition(ctx, fsm.Request{FSMType: "INGESTION", EntityID: "doc-1", Trigger: "START_PROCESSING"})
	assert.ErrorIs(t, err, fsm.ErrInvalidTransition)
	assert.Len(t, d.calls, 1)

	_, err = svc.Transition(ctx, fsm.Request{FSMType: "INGESTION", EntityID: "doc-1", Trigger: "CHUNKS_READY"})
	require.NoError(t, err)
	assert.Len(t, d.calls, 1, "CHUNKED produces no intents")
}

func TestService_DispatchFailureKeepsTransition(t *testing.T) {
	r, _ := newTestReducer(t, Config{})
	d := &recordingDispatcher{err: errors.New("broker down")}
	svc := NewService(r, d, zerolog.Nop())
	ctx := context.Background()

	res, err := svc.Transition(ctx, fsm.Request{FSMType: "INGESTION", EntityID: "doc-1", Trigger: "START_PROCESSING"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "broker down")

	st, err := svc.State(ctx, "INGESTION", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "PROCESSING", st.CurrentState)
}

func TestService_NilDispatcher(t *testing.T) {
	r, _ := newTestReducer(t, Config{})
	svc := NewService(r, nil, zerolog.Nop())

	res, err := svc.Transition(context.Background(), fsm.Request{FSMType: "INGESTION", EntityID: "doc-1", Trigger: "START_PROCESSING"})
	require.NoError(t, err)
	assert.Len(t, res.Intents, 1)
}
