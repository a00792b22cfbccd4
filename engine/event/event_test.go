package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/cascade"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	e := New(3, now, &SignalReceivedAttrs{
		Name:  "approve",
		Input: cascade.Payload{Encoding: "json/plain", Data: []byte(`{"ok":true}`)},
	})

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(3), got.ID)
	assert.True(t, got.Time.Equal(now))
	assert.Equal(t, SchemaVersion, got.Version)
	assert.Equal(t, KindSignalReceived, got.Kind())

	attrs, ok := got.Attributes.(*SignalReceivedAttrs)
	require.True(t, ok)
	assert.Equal(t, "approve", attrs.Name)
	assert.Equal(t, []byte(`{"ok":true}`), attrs.Input.Data)
}

func TestEnvelopeFieldNames(t *testing.T) {
	e := New(1, time.Now(), &TimerStartedAttrs{TimerID: "t1", FireAfter: time.Second})
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"event_id", "event_time", "kind", "version", "attrs"} {
		assert.Contains(t, doc, key)
	}
}

func TestUnknownKindSurvivesRoundTrip(t *testing.T) {
	wire := `{"event_id":9,"event_time":"2026-01-02T03:04:05Z","kind":999,"version":7,"attrs":{"new_field":42}}`

	var e Event
	require.NoError(t, json.Unmarshal([]byte(wire), &e))
	raw, ok := e.Attributes.(*RawAttributes)
	require.True(t, ok)
	assert.Equal(t, Kind(999), e.Kind())
	assert.JSONEq(t, `{"new_field":42}`, string(raw.Data))

	// Re-encoding preserves the original payload bytes and kind.
	out, err := json.Marshal(&e)
	require.NoError(t, err)
	assert.JSONEq(t, wire, string(out))
}

func TestRecordRoundTrip(t *testing.T) {
	e := New(12, time.Now().UTC(), &WorkflowStartedAttrs{
		WorkflowID:   "wf-1",
		WorkflowType: "order",
		TaskQueue:    "orders",
		Attempt:      1,
	})

	data, err := EncodeRecord(e)
	require.NoError(t, err)

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, KindWorkflowStarted, got.Kind())
	attrs, ok := got.Attributes.(*WorkflowStartedAttrs)
	require.True(t, ok)
	assert.Equal(t, "order", attrs.WorkflowType)
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	_, err := DecodeRecord([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestCloneSharesAttributes(t *testing.T) {
	e := New(1, time.Now(), &TimerStartedAttrs{TimerID: "t"})
	c := e.Clone()
	c.ID = 2
	assert.Equal(t, int64(1), e.ID)
	assert.Same(t, e.Attributes, c.Attributes)
}

func TestAllKindsDecode(t *testing.T) {
	// Every registered kind must decode into its typed attributes, not
	// RawAttributes, or rebuilds would silently skip events.
	for _, attrs := range []Attributes{
		&WorkflowStartedAttrs{},
		&WorkflowCompletedAttrs{},
		&WorkflowFailedAttrs{},
		&WorkflowTimedOutAttrs{},
		&WorkflowCancelledAttrs{},
		&WorkflowTerminatedAttrs{},
		&WorkflowContinuedAsNewAttrs{},
		&WorkflowTaskScheduledAttrs{},
		&WorkflowTaskStartedAttrs{},
		&WorkflowTaskCompletedAttrs{},
		&WorkflowTaskFailedAttrs{},
		&WorkflowTaskTimedOutAttrs{},
		&ActivityScheduledAttrs{},
		&ActivityStartedAttrs{},
		&ActivityCompletedAttrs{},
		&ActivityFailedAttrs{},
		&ActivityTimedOutAttrs{},
		&ActivityCancelRequestedAttrs{},
		&ActivityCancelledAttrs{},
		&TimerStartedAttrs{},
		&TimerFiredAttrs{},
		&TimerCancelledAttrs{},
		&SignalReceivedAttrs{},
		&WorkflowCancelRequestedAttrs{},
		&UpdateAcceptedAttrs{},
		&UpdateRejectedAttrs{},
		&UpdateCompletedAttrs{},
		&ChildWorkflowInitiatedAttrs{},
		&ChildWorkflowStartedAttrs{},
		&ChildWorkflowCompletedAttrs{},
		&ChildWorkflowFailedAttrs{},
	} {
		t.Run(attrs.Kind().String(), func(t *testing.T) {
			data, err := json.Marshal(New(1, time.Now(), attrs))
			require.NoError(t, err)
			var got Event
			require.NoError(t, json.Unmarshal(data, &got))
			assert.IsType(t, attrs, got.Attributes)
		})
	}
}
