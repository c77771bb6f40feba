package eventbus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBacklogAction(t *testing.T) {
	env := testEnvelope(EventBacklogAction)
	env.Payload = map[string]any{"action": " Accept ", "conflict_id": "c1"}
	got, err := Decode(env)
	require.NoError(t, err)
	p, ok := got.(BacklogActionPayload)
	require.True(t, ok)
	assert.Equal(t, "accept", p.Action)
	assert.Equal(t, "c1", p.ConflictID)

	env.Payload = map[string]any{"action": "accept"}
	_, err = Decode(env)
	assert.True(t, errors.Is(err, ErrMissingField))
}

func TestDecodeBacklogSharedRequiresPending(t *testing.T) {
	env := testEnvelope(EventBacklogShared)
	env.Payload = map[string]any{"diff": map[string]any{}}
	_, err := Decode(env)
	assert.True(t, errors.Is(err, ErrMissingField))

	env.Payload = map[string]any{
		"pending": []any{
			"Improve logging",
			map[string]any{"id": "x", "text": "Add retries", "status": "in_progress"},
			map[string]any{"text": "Done thing", "status": "done"},
			map[string]any{"text": "   "},
		},
	}
	got, err := Decode(env)
	require.NoError(t, err)
	p := got.(BacklogSharedPayload)
	assert.Equal(t, []string{"Improve logging", "Add retries"}, p.PendingTexts())
}

func TestDecodeActorFallsBackToSource(t *testing.T) {
	env := testEnvelope(EventResetCooldown)
	env.SourceDaemon = "operator-console"
	got, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, "operator-console", got.(ActorPayload).Actor)
}

func TestMonitorAlertLabel(t *testing.T) {
	assert.Equal(t, "cpu", MonitorAlertPayload{Detail: "cpu", Type: "x"}.Label())
	assert.Equal(t, "", MonitorAlertPayload{}.Label())
}

func TestDecodeLedgerSignal(t *testing.T) {
	s, err := DecodeLedgerSignal(EventSelfExpand, map[string]any{"request_id": "expand_a_1"})
	require.NoError(t, err)
	assert.Equal(t, EventSelfExpand, s.Event)

	_, err = DecodeLedgerSignal(EventSelfExpandRejected, map[string]any{"reason": "x"})
	assert.True(t, errors.Is(err, ErrMissingField))

	_, err = DecodeLedgerSignal(EventVeilPending, map[string]any{"request_id": "x"})
	assert.True(t, errors.Is(err, ErrMissingField))

	s, err = DecodeLedgerSignal(EventSelfRepair, nil)
	require.NoError(t, err)
	assert.Equal(t, EventSelfRepair, s.Event)

	s, err = DecodeLedgerSignal(EventSelfReflection, map[string]any{
		"request_id": "r",
		"output":     map[string]any{"summary": "ok"},
	})
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(s.ReflectionOutput(), &body))
	assert.Equal(t, "ok", body["summary"])
}

func TestDecodeUnknown(t *testing.T) {
	_, err := Decode(testEnvelope(EventCooldown))
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestHMACSigner(t *testing.T) {
	s := NewHMACSigner("shared-secret")
	env := testEnvelope(EventBacklogShared)
	env.SourcePeer = "peer-a"
	env.Payload = map[string]any{"pending": []any{"a"}}

	assert.False(t, s.Verify(env), "unsigned envelope must not verify")
	require.NoError(t, s.Sign(env))
	assert.True(t, s.Verify(env))

	// Survives a JSON round trip.
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, s.Verify(&decoded))

	decoded.Payload["pending"] = []any{"b"}
	assert.False(t, s.Verify(&decoded), "tampered payload must not verify")
	assert.False(t, NewHMACSigner("other").Verify(env))
	assert.True(t, AllowAll{}.Verify(&decoded))
}

func TestHMACSignerStructPayload(t *testing.T) {
	s := NewHMACSigner("shared-secret")
	env := testEnvelope(EventBacklogShared)
	env.SourcePeer = "peer-a"
	env.Payload = map[string]any{
		"diff":    BacklogDiff{Added: []BacklogItemRef{{ID: "1", Text: "a", Status: "pending"}}},
		"pending": []BacklogItemRef{{ID: "1", Text: "a", Status: "pending"}},
	}
	require.NoError(t, s.Sign(env))

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, s.Verify(&decoded))
}
