package events_test

import (
	"encoding/json"
	"testing"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tier2Source = events.Source{Tier: events.TierTwo, Component: "run-state-machine"}

func TestNew_StampsEnvelope(t *testing.T) {
	ev := events.New(tier2Source, events.RunPaused{RunID: "run-1"}, events.WithUserID("u-1"))

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, events.TopicRunPaused, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, events.FireAndForget, ev.Metadata.DeliveryGuarantee)
	assert.Equal(t, events.PriorityMedium, ev.Metadata.Priority)
	assert.Equal(t, "u-1", ev.Metadata.UserID)
	assert.False(t, ev.IsSafety())
	require.NoError(t, events.Validate(ev))
}

func TestNew_SafetySourceImpliesSafety(t *testing.T) {
	ev := events.New(events.Source{Tier: events.TierSafety, Component: "gate"},
		events.SafetyAlert{StepID: "s1", Rule: "no-shell", Reason: "blocked", Severity: "high"})
	assert.True(t, ev.IsSafety())
	require.NoError(t, events.Validate(ev))
}

func TestValidate_RejectsTopicMismatch(t *testing.T) {
	ev := events.New(tier2Source, events.RunPaused{RunID: "run-1"})
	ev.Type = events.TopicRunResumed
	require.ErrorIs(t, events.Validate(ev), events.ErrTopicMismatch)
}

func TestValidate_RejectsSchemaViolation(t *testing.T) {
	ev := events.New(tier2Source, events.RunCompleted{RunID: "", Outputs: map[string]any{}})

	err := events.Validate(ev)
	var schemaErr *events.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, events.TopicRunCompleted, schemaErr.Topic)
}

func TestValidate_TierExecutionFailedCode(t *testing.T) {
	payload := events.TierExecutionFailed{
		Tier:        events.TierThree,
		ExecutionID: "exec-1",
		SwarmID:     "swarm-1",
		Code:        "TIER3_EXECUTION_FAILED",
		Message:     "boom",
		Phase:       "execution",
	}
	require.NoError(t, events.Validate(events.New(tier2Source, payload)))

	payload.Code = "SOMETHING_ELSE"
	require.Error(t, events.Validate(events.New(tier2Source, payload)))
}

func TestValidate_BarrierMetadata(t *testing.T) {
	ev := events.New(tier2Source, events.RunPaused{RunID: "r"}, events.WithDelivery(events.BarrierSync))
	require.ErrorIs(t, events.Validate(ev), events.ErrInvalidMetadata)

	ev = events.New(tier2Source, events.RunPaused{RunID: "r"},
		events.WithBarrier(events.BarrierConfig{Quorum: 2, TimeoutMs: 100, TimeoutAction: events.AutoReject}))
	require.NoError(t, events.Validate(ev))

	ev.Metadata.Priority = "urgent"
	require.ErrorIs(t, events.Validate(ev), events.ErrInvalidMetadata)
}

func TestEvent_JSONRoundTripKeepsPayloadType(t *testing.T) {
	original := events.New(tier2Source, events.RunCompleted{
		RunID:   "run-9",
		Outputs: map[string]any{"answer": "42"},
		Usage:   resources.Usage{CreditsUsed: 30, StepsExecuted: 3},
	})

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	completed, ok := decoded.Data.(events.RunCompleted)
	require.True(t, ok, "payload decoded as %T", decoded.Data)
	assert.Equal(t, "run-9", completed.RunID)
	assert.Equal(t, int64(30), completed.Usage.CreditsUsed)
	assert.Equal(t, original.ID, decoded.ID)
}

func TestDecodePayload_UnknownTopic(t *testing.T) {
	_, err := events.DecodePayload("nope.nope", json.RawMessage(`{}`))
	require.ErrorIs(t, err, events.ErrUnknownTopic)
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"run.*", "run.completed", true},
		{"run.*", "swarm.started", false},
		{"run.completed", "run.completed", true},
		{"run.completed", "run.failed", false},
		{"resource.*", "resource/rate_limited", true},
		{"resource/rate_limited", "resource/rate_limited", true},
		{"tier.*", "tier.execution.failed", true},
		{"*", "anything", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, events.MatchTopic(tt.pattern, tt.topic), "%s vs %s", tt.pattern, tt.topic)
	}
}

func TestValidPattern(t *testing.T) {
	assert.True(t, events.ValidPattern("run.*"))
	assert.True(t, events.ValidPattern("run.completed"))
	assert.False(t, events.ValidPattern(""))
	assert.False(t, events.ValidPattern("run.*.x"))
}

func TestEveryTopicHasSchema(t *testing.T) {
	assert.Len(t, events.Topics(), 23)
}
