package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
)

func newTestGuard(t *testing.T, now *time.Time) *LeaseGuard {
	t.Helper()
	g := NewLeaseGuard(newTestStore(t), newTestRegistry(t), Config{}, zerolog.Nop())
	g.now = func() time.Time { return *now }
	return g
}

func TestLeaseGuard_CheckLease(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)
	ctx := context.Background()

	status, err := g.CheckLease(ctx, "INGESTION", "doc-1", "anything", 0)
	require.NoError(t, err)
	assert.Equal(t, fsm.LeaseNotRequired, status)
	assert.True(t, status.Authorized())

	lease, err := g.Acquire(ctx, "INGESTION", "doc-1", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		leaseID string
		epoch   int64
		advance time.Duration
		want    fsm.LeaseStatus
	}{
		{name: "holder", leaseID: lease.ID, epoch: lease.Epoch, want: fsm.LeaseValid},
		{name: "stale epoch", leaseID: lease.ID, epoch: lease.Epoch - 1, want: fsm.LeaseInvalid},
		{name: "other id", leaseID: "other", epoch: lease.Epoch, want: fsm.LeaseInvalid},
		{name: "expired", leaseID: lease.ID, epoch: lease.Epoch, advance: time.Minute, want: fsm.LeaseInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved := now
			now = now.Add(tt.advance)
			defer func() { now = saved }()

			status, err := g.CheckLease(ctx, "INGESTION", "doc-1", tt.leaseID, tt.epoch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestLeaseGuard_AcquireRejectsActiveLease(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)
	ctx := context.Background()

	first, err := g.Acquire(ctx, "INGESTION", "doc-1", time.Minute)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "INGESTION", "doc-1", time.Minute)
	assert.ErrorIs(t, err, fsm.ErrLeaseConflict)

	now = now.Add(2 * time.Minute)
	second, err := g.Acquire(ctx, "INGESTION", "doc-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.Epoch+1, second.Epoch)
	assert.NotEqual(t, first.ID, second.ID)

	status, err := g.CheckLease(ctx, "INGESTION", "doc-1", first.ID, first.Epoch)
	require.NoError(t, err)
	assert.Equal(t, fsm.LeaseInvalid, status)
}

func TestLeaseGuard_RenewAndRelease(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	g := newTestGuard(t, &now)
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "INGESTION", "doc-1", time.Minute)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	renewed, err := g.Renew(ctx, "INGESTION", "doc-1", lease, time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.Equal(now.Add(time.Minute)))

	now = now.Add(30 * time.Second)
	status, err := g.CheckLease(ctx, "INGESTION", "doc-1", lease.ID, lease.Epoch)
	require.NoError(t, err)
	assert.Equal(t, fsm.LeaseValid, status)

	stale := lease
	stale.Epoch = 0
	assert.ErrorIs(t, g.Release(ctx, "INGESTION", "doc-1", stale), fsm.ErrLeaseConflict)
	require.NoError(t, g.Release(ctx, "INGESTION", "doc-1", renewed))

	status, err = g.CheckLease(ctx, "INGESTION", "doc-1", lease.ID, lease.Epoch)
	require.NoError(t, err)
	assert.Equal(t, fsm.LeaseNotRequired, status)

	next, err := g.Acquire(ctx, "INGESTION", "doc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Epoch)
	assert.True(t, next.ExpiresAt.Equal(now.Add(DefaultLeaseTTL)))
}

func TestLeaseGuard_UnknownType(t *testing.T) {
	now := time.Now()
	g := newTestGuard(t, &now)
	_, err := g.Acquire(context.Background(), "NOPE", "x", time.Minute)
	assert.ErrorIs(t, err, fsm.ErrUnknownFSMType)
}

// stalledStore blocks every call until ctx is done.
type stalledStore struct{}

func (stalledStore) RunInTx(ctx context.Context, _ func(context.Context, fsm.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) Get(ctx context.Context, _, _ string) (*fsm.State, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLeaseGuard_BoundsStalledStore(t *testing.T) {
	g := NewLeaseGuard(stalledStore{}, newTestRegistry(t), Config{TransactionTimeout: 50 * time.Millisecond}, zerolog.Nop())
	lease := fsm.Lease{ID: "l-1", Epoch: 1}

	calls := map[string]func(context.Context) error{
		"acquire": func(ctx context.Context) error {
			_, err := g.Acquire(ctx, "INGESTION", "doc-1", time.Minute)
			return err
		},
		"renew": func(ctx context.Context) error {
			_, err := g.Renew(ctx, "INGESTION", "doc-1", lease, time.Minute)
			return err
		},
		"release": func(ctx context.Context) error {
			return g.Release(ctx, "INGESTION", "doc-1", lease)
		},
		"check": func(ctx context.Context) error {
			_, err := g.CheckLease(ctx, "INGESTION", "doc-1", lease.ID, lease.Epoch)
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() { done <- call(context.Background()) }()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			case <-time.After(2 * time.Second):
				t.Fatal("lease call not bounded by the transaction timeout")
			}
		})
	}
}

func TestLeaseGuard_KeepsCallerDeadline(t *testing.T) {
	g := NewLeaseGuard(stalledStore{}, newTestRegistry(t), Config{TransactionTimeout: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Acquire(ctx, "INGESTION", "doc-1", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
