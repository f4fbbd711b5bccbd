package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-hub/knowledge-hub/internal/application/router"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/intent"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/inproc"
)

func newRoutedDispatcher(t *testing.T) (*Dispatcher, *inproc.Bus, *router.Router) {
	t.Helper()
	bus := inproc.NewBus(8, zerolog.Nop())
	r, err := router.New(nil, bus, router.Config{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return NewDispatcher(r, zerolog.Nop()), bus, r
}

func TestDispatcher_PublishesIntents(t *testing.T) {
	d, bus, r := newRoutedDispatcher(t)
	ctx := context.Background()

	got := make(chan event.Message, 4)
	for _, topic := range []string{"ingestion.completed.v1", WorkflowTriggerTopic} {
		_, err := bus.Subscribe(ctx, topic, func(_ context.Context, msg event.Message) error {
			got <- msg
			return nil
		})
		require.NoError(t, err)
	}

	now := time.Now()
	trigger := intent.New(intent.TypeWorkflowTrigger, intent.TargetOrchestrator,
		map[string]any{intent.KeyEntityID: "doc-1", intent.KeyOperationType: "document_ingestion"}, "corr-1", nil, now)
	publish := intent.New(intent.TypeEventPublish, intent.TargetEventBus,
		map[string]any{intent.KeyTopic: "ingestion.completed.v1", intent.KeyEntityID: "doc-1"}, "corr-1", nil, now)

	require.NoError(t, d.Dispatch(ctx, []intent.Intent{trigger, publish}))

	byTopic := map[string]event.Message{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			byTopic[msg.Topic] = msg
		case <-time.After(2 * time.Second):
			t.Fatal("intent not delivered")
		}
	}

	wf := byTopic[WorkflowTriggerTopic]
	assert.Equal(t, "doc-1", wf.Key)
	assert.Equal(t, "document_ingestion", wf.Payload[intent.KeyOperationType])
	assert.Equal(t, trigger.ID.String(), wf.Headers[HeaderIntentID])
	assert.Equal(t, "corr-1", wf.Headers[HeaderCorrelationID])

	ev := byTopic["ingestion.completed.v1"]
	assert.Equal(t, string(intent.TypeEventPublish), ev.Headers[HeaderIntentType])
	assert.Equal(t, int64(2), r.Metrics().InProcessRoutes)
}

type failingPublisher struct {
	topics []string
}

func (p *failingPublisher) Publish(_ context.Context, topic string, _ map[string]any, _ ...router.PublishOption) error {
	p.topics = append(p.topics, topic)
	return errors.New("unavailable")
}

func TestDispatcher_AttemptsAllAndJoinsErrors(t *testing.T) {
	p := &failingPublisher{}
	d := NewDispatcher(p, zerolog.Nop())
	now := time.Now()

	intents := []intent.Intent{
		intent.New(intent.TypeWorkflowTrigger, intent.TargetOrchestrator, nil, "c", nil, now),
		intent.New(intent.TypeEventPublish, intent.TargetEventBus, map[string]any{intent.KeyTopic: "x.failed.v1"}, "c", nil, now),
		intent.New(intent.TypeEventPublish, intent.TargetEventBus, nil, "c", nil, now),
		intent.New(intent.Type("UNKNOWN"), "nowhere", nil, "c", nil, now),
	}
	err := d.Dispatch(context.Background(), intents)
	require.Error(t, err)
	assert.Equal(t, []string{WorkflowTriggerTopic, "x.failed.v1"}, p.topics)
	assert.Contains(t, err.Error(), "no topic")
	assert.Contains(t, err.Error(), "unsupported intent type")
	assert.Contains(t, err.Error(), "unavailable")
}

func TestDispatcher_Empty(t *testing.T) {
	d := NewDispatcher(&failingPublisher{}, zerolog.Nop())
	assert.NoError(t, d.Dispatch(context.Background(), nil))
}
