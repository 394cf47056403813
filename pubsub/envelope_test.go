package pubsub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEnvelopeShape(t *testing.T) {
	raw, err := encodeEnvelope(Attributes{
		Type:   "api.kernelci.org",
		Source: "https://api.kernelci.org/",
		Owner:  "alice",
	}, map[string]any{"op": "created", "id": "n1"}, 42)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))

	assert.Contains(t, m, "specversion")
	assert.Contains(t, m, "id")
	assert.Contains(t, m, "time")
	assert.JSONEq(t, `"api.kernelci.org"`, string(m["type"]))
	assert.JSONEq(t, `"https://api.kernelci.org/"`, string(m["source"]))
	assert.JSONEq(t, `"alice"`, string(m["owner"]))
	assert.JSONEq(t, `42`, string(m["_sequence_id"]))
	assert.JSONEq(t, `{"op":"created","id":"n1"}`, string(m["data"]))
}

func TestEncodeEnvelopeWithoutSequence(t *testing.T) {
	raw, err := encodeEnvelope(Attributes{
		Type:   "api.kernelci.org",
		Source: "https://api.kernelci.org/",
	}, map[string]any{"id": "n1"}, 0)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.NotContains(t, m, "_sequence_id")
	assert.NotContains(t, m, "owner")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	raw, err := encodeEnvelope(Attributes{
		Type:   "api.kernelci.org",
		Source: "https://api.kernelci.org/",
		Owner:  "bob",
	}, map[string]any{"id": "n2"}, 7)
	require.NoError(t, err)

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "api.kernelci.org", env.Type)
	assert.Equal(t, "https://api.kernelci.org/", env.Source)
	assert.Equal(t, "bob", env.Owner)
	assert.EqualValues(t, 7, env.SequenceID)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "n2", data["id"])
	assert.False(t, env.IsKeepAlive())
}

func TestKeepAliveEnvelope(t *testing.T) {
	raw, err := encodeEnvelope(Attributes{
		Type:   "api.kernelci.org",
		Source: "https://api.kernelci.org/",
	}, keepAlivePayload, 0)
	require.NoError(t, err)

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.True(t, env.IsKeepAlive())
	assert.Zero(t, env.SequenceID)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := decodeEnvelope([]byte("not json"))
	require.Error(t, err)

	_, err = decodeEnvelope([]byte(`{"_sequence_id": "not a number"}`))
	require.Error(t, err)
}
