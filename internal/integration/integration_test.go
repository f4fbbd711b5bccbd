//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/knowledge-hub/knowledge-hub/internal/api/http"
	"github.com/knowledge-hub/knowledge-hub/internal/application/dispatch"
	appFSM "github.com/knowledge-hub/knowledge-hub/internal/application/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/application/intake"
	"github.com/knowledge-hub/knowledge-hub/internal/application/router"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/contracts"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/inproc"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/postgres"
)

type testEnv struct {
	store   *postgres.FSMStore
	reducer *appFSM.Reducer
	leases  *appFSM.LeaseGuard
	bus     *inproc.Bus
	router  *router.Router
	server  *httptest.Server
}

func TestConcurrentTransitionsIntegration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		failures  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.reducer.Process(ctx, fsm.Request{FSMType: "INGESTION", EntityID: "doc-race", Trigger: "START_PROCESSING"})
			if err == nil && res.Success {
				successes.Add(1)
				return
			}
			if !errors.Is(err, fsm.ErrInvalidTransition) && !errors.Is(err, fsm.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
			failures.Add(1)
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one success, got %d", got)
	}
	if got := failures.Load(); got != workers-1 {
		t.Fatalf("expected %d rejected transitions, got %d", workers-1, got)
	}
	st, err := env.store.Get(ctx, "INGESTION", "doc-race")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.CurrentState != "PROCESSING" || st.Version != 1 {
		t.Fatalf("unexpected state %s at version %d", st.CurrentState, st.Version)
	}
}

func TestCompareAndSwapIntegration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.store.RunInTx(ctx, func(ctx context.Context, tx fsm.Tx) error {
		st, err := tx.Init(ctx, fsm.NewState("INGESTION", "doc-cas", "RECEIVED", time.Now().UTC()))
		if err != nil {
			return err
		}
		if again, err := tx.Init(ctx, fsm.NewState("INGESTION", "doc-cas", "PROCESSING", time.Now().UTC())); err != nil || again.CurrentState != "RECEIVED" {
			t.Fatalf("init must keep the existing row: %+v %v", again, err)
		}
		st.Apply("PROCESSING", "START_PROCESSING", "corr-1", map[string]any{"size": 3}, time.Now().UTC())
		return tx.Update(ctx, st, "RECEIVED", 0)
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}

	err = env.store.RunInTx(ctx, func(ctx context.Context, tx fsm.Tx) error {
		st, err := tx.Load(ctx, "INGESTION", "doc-cas")
		if err != nil {
			return err
		}
		st.Apply("CHUNKED", "CHUNKS_READY", "corr-2", nil, time.Now().UTC())
		return tx.Update(ctx, st, "RECEIVED", 0)
	})
	if !errors.Is(err, fsm.ErrConflict) {
		t.Fatalf("expected conflict on stale expectation, got %v", err)
	}

	st, err := env.store.Get(ctx, "INGESTION", "doc-cas")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.CurrentState != "PROCESSING" || st.PreviousState != "RECEIVED" || st.Version != 1 {
		t.Fatalf("unexpected row after conflict: %+v", st)
	}
	if st.Metadata[fsm.MetaLastAction] != "START_PROCESSING" {
		t.Fatalf("metadata not persisted: %+v", st.Metadata)
	}
}

func TestLeaseHandoverIntegration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.leases.Acquire(ctx, "PATTERN_LEARNING", "p-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := env.leases.Acquire(ctx, "PATTERN_LEARNING", "p-1", time.Minute); !errors.Is(err, fsm.ErrLeaseConflict) {
		t.Fatalf("expected lease conflict while held, got %v", err)
	}
	if err := env.leases.Release(ctx, "PATTERN_LEARNING", "p-1", first); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := env.leases.Acquire(ctx, "PATTERN_LEARNING", "p-1", time.Minute)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if second.Epoch != first.Epoch+1 {
		t.Fatalf("expected epoch %d, got %d", first.Epoch+1, second.Epoch)
	}

	stale := first.ID
	res, err := env.reducer.Process(ctx, fsm.Request{
		FSMType:  "PATTERN_LEARNING",
		EntityID: "p-1",
		Trigger:  "START_MATCHING",
		LeaseID:  &stale,
		Epoch:    &first.Epoch,
	})
	if !errors.Is(err, fsm.ErrLeaseConflict) || res.Success {
		t.Fatalf("stale lease must be rejected, got %+v %v", res, err)
	}

	res, err = env.reducer.Process(ctx, fsm.Request{
		FSMType:  "PATTERN_LEARNING",
		EntityID: "p-1",
		Trigger:  "START_MATCHING",
		LeaseID:  &second.ID,
		Epoch:    &second.Epoch,
	})
	if err != nil || !res.Success {
		t.Fatalf("current lease must be accepted, got %+v %v", res, err)
	}
}

func TestCommandIntakeIntegration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	triggers := make(chan event.Message, 1)
	outcomes := make(chan event.Message, 1)
	for topic, ch := range map[string]chan event.Message{
		dispatch.WorkflowTriggerTopic: triggers,
		intake.OutcomeTopic:           outcomes,
	} {
		sub, err := env.bus.Subscribe(ctx, topic, func(_ context.Context, msg event.Message) error {
			ch <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
		defer sub.Close()
	}

	err := env.router.Publish(ctx, intake.CommandTopic, map[string]any{
		"fsm_type":       "INGESTION",
		"entity_id":      "doc-intake",
		"trigger":        "START_PROCESSING",
		"correlation_id": "corr-intake",
	})
	if err != nil {
		t.Fatalf("publish command: %v", err)
	}

	select {
	case msg := <-outcomes:
		if msg.Payload["success"] != true || msg.Payload["current_state"] != "PROCESSING" {
			t.Fatalf("unexpected outcome: %+v", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("outcome not delivered")
	}

	select {
	case msg := <-triggers:
		if msg.Key != "doc-intake" || msg.Headers[dispatch.HeaderCorrelationID] != "corr-intake" {
			t.Fatalf("unexpected trigger message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("workflow trigger not delivered")
	}

	st, err := env.store.Get(ctx, "INGESTION", "doc-intake")
	if err != nil || st == nil || st.CurrentState != "PROCESSING" {
		t.Fatalf("unexpected persisted state %+v: %v", st, err)
	}

	resp, err := http.Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", resp.StatusCode)
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := testDatabaseURL(t)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}
	t.Cleanup(pool.Close)

	logger := zerolog.Nop()
	root := repoRoot(t)
	if err := postgres.RunMigrations(ctx, pool, filepath.Join(root, "internal", "migrations"), logger); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if err := resetDatabase(ctx, pool); err != nil {
		t.Fatalf("reset db: %v", err)
	}

	registry, err := contracts.LoadRegistry("")
	if err != nil {
		t.Fatalf("contracts: %v", err)
	}
	store := postgres.NewFSMStore(pool)
	bus := inproc.NewBus(16, logger)
	rtr, err := router.New(nil, bus, router.Config{Environment: "test"}, logger)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	t.Cleanup(func() { _ = rtr.Close() })

	fsmCfg := appFSM.Config{LeaseEnforcement: true}
	reducer := appFSM.NewReducer(store, registry, fsmCfg, logger)
	leases := appFSM.NewLeaseGuard(store, registry, fsmCfg, logger)
	svc := appFSM.NewService(reducer, dispatch.NewDispatcher(rtr, logger), logger)

	consumer := intake.NewConsumer(rtr, svc, leases, logger)
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("intake: %v", err)
	}
	t.Cleanup(func() { _ = consumer.Close() })

	server := httptest.NewServer(httpapi.NewServer(rtr, store, logger).Router())
	t.Cleanup(server.Close)

	return &testEnv{store: store, reducer: reducer, leases: leases, bus: bus, router: rtr, server: server}
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE fsm_states`)
	return err
}
