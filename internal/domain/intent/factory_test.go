package intent

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticClassifier answers from fixed sets.
type staticClassifier struct {
	processing map[string]bool
	success    map[string]bool
}

func (s staticClassifier) IsProcessing(_, state string) bool { return s.processing[state] }
func (s staticClassifier) IsSuccess(_, state string) bool    { return s.success[state] }
func (s staticClassifier) IsFailure(_, state string) bool    { return state == "FAILED" }
func (s staticClassifier) Operation(string) string           { return "document_ingestion" }

func newTestFactory() *Factory {
	f := NewFactory(staticClassifier{
		processing: map[string]bool{"PROCESSING": true, "REVIEW": true},
		success:    map[string]bool{"INDEXED": true, "REVIEW": true},
	})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }
	return f
}

var ignoreID = cmpopts.IgnoreFields(Intent{}, "ID")

func TestFactory_ProcessingStateEmitsWorkflowTrigger(t *testing.T) {
	f := newTestFactory()
	payload := map[string]any{"source": "s3://bucket/doc-1"}

	got := f.GenerateIntents("INGESTION", "doc-1", "RECEIVED", "PROCESSING", "corr-1", payload)

	want := []Intent{{
		Type:   TypeWorkflowTrigger,
		Target: TargetOrchestrator,
		Payload: map[string]any{
			KeyOperationType: "document_ingestion",
			KeyFSMType:       "INGESTION",
			KeyEntityID:      "doc-1",
			KeyPayload:       payload,
		},
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata:      map[string]string{KeyFSMType: "INGESTION", KeyEntityID: "doc-1"},
	}}
	if diff := cmp.Diff(want, got, ignoreID); diff != "" {
		t.Fatalf("intents mismatch (-want +got):\n%s", diff)
	}
}

func TestFactory_TerminalStatesEmitEventPublish(t *testing.T) {
	f := newTestFactory()

	tests := []struct {
		name  string
		state string
		topic string
	}{
		{name: "success", state: "INDEXED", topic: "ingestion.completed.v1"},
		{name: "failure", state: "FAILED", topic: "ingestion.failed.v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.GenerateIntents("INGESTION", "doc-1", "PROCESSING", tt.state, "corr-1",
				map[string]any{"chunks": 12, KeyEntityID: "spoofed"})

			require.Len(t, got, 1)
			in := got[0]
			assert.Equal(t, TypeEventPublish, in.Type)
			assert.Equal(t, TargetEventBus, in.Target)
			assert.Equal(t, tt.topic, in.Topic())
			assert.Equal(t, "doc-1", in.EntityID())
			assert.Equal(t, "PROCESSING", in.Payload[KeyPreviousState])
			assert.Equal(t, tt.state, in.Payload[KeyCurrentState])
			assert.Equal(t, "INGESTION", in.Payload[KeyFSMType])
			assert.Equal(t, 12, in.Payload["chunks"])
		})
	}
}

func TestFactory_BothRulesFireInInsertionOrder(t *testing.T) {
	f := newTestFactory()

	got := f.GenerateIntents("INGESTION", "doc-1", "PROCESSING", "REVIEW", "corr-1", nil)

	require.Len(t, got, 2)
	assert.Equal(t, TypeWorkflowTrigger, got[0].Type)
	assert.Equal(t, TypeEventPublish, got[1].Type)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestFactory_NonSignificantStateEmitsNothing(t *testing.T) {
	f := newTestFactory()
	assert.Empty(t, f.GenerateIntents("INGESTION", "doc-1", "RECEIVED", "QUEUED", "corr-1", nil))
}

func TestFactory_PayloadIsCopied(t *testing.T) {
	f := newTestFactory()
	payload := map[string]any{"chunks": 1}

	got := f.GenerateIntents("INGESTION", "doc-1", "PROCESSING", "INDEXED", "corr-1", payload)
	payload["chunks"] = 99

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Payload["chunks"])
}

func TestEventTopic(t *testing.T) {
	assert.Equal(t, "pattern_learning.completed.v1", EventTopic("PATTERN_LEARNING", false))
	assert.Equal(t, "quality_assessment.failed.v1", EventTopic("QUALITY_ASSESSMENT", true))
}
