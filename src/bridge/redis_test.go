package bridge

import (
	"encoding/json"
	"testing"

	"github.com/blazeintel/rtssf/config"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcastTarget records envelopes forwarded from the bridge.
type mockBroadcastTarget struct {
	received []wire.Envelope
}

func (m *mockBroadcastTarget) BroadcastToLocal(env wire.Envelope) {
	m.received = append(m.received, env)
}

func newTestBridge(target BroadcastTarget) *RedisBridge {
	return NewRedisBridge(config.RedisConfig{Addr: "localhost:6379", Prefix: "test:ws:"}, target, zerolog.Nop())
}

// payloadFrom builds a Redis payload without running the codec, so tests
// can relay envelopes the codec would refuse.
func payloadFrom(t *testing.T, origin string, env wire.Envelope) string {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	data, err := json.Marshal(relayed{Origin: origin, Envelope: raw})
	require.NoError(t, err)
	return string(data)
}

func TestRelayedCarriesCodecOutput(t *testing.T) {
	env := wire.Envelope{
		Type:      wire.TypeBiometricUpdate,
		Timestamp: 1100,
		Team:      "CARDINALS",
		SubjectID: "P34",
		Payload:   map[string]any{"hr": float64(172)},
		Extra:     map[string]json.RawMessage{"venue": json.RawMessage(`"busch"`)},
	}
	raw, err := wire.Encode(env)
	require.NoError(t, err)
	data, err := json.Marshal(relayed{Origin: "node-1", Envelope: raw})
	require.NoError(t, err)

	var in relayed
	require.NoError(t, json.Unmarshal(data, &in))
	assert.Equal(t, "node-1", in.Origin)
	out, err := wire.Decode(in.Envelope)
	require.NoError(t, err)
	assert.Equal(t, env.Team, out.Team)
	assert.Equal(t, float64(172), out.Payload["hr"])
	assert.JSONEq(t, `"busch"`, string(out.Extra["venue"]))
}

func TestHandleRedisMessageForwardsOtherInstances(t *testing.T) {
	target := &mockBroadcastTarget{}
	b := newTestBridge(target)
	env := wire.Envelope{Type: wire.TypeOverlayUpdate, Timestamp: 1, Team: "TITANS", Payload: map[string]any{"theme": "dark"}}

	b.handleRedisMessage(&redis.Message{Channel: "test:ws:team:TITANS", Payload: payloadFrom(t, "other", env)})

	require.Len(t, target.received, 1)
	assert.Equal(t, "TITANS", target.received[0].Team)
}

func TestHandleRedisMessageSkipsSelfAndGarbage(t *testing.T) {
	target := &mockBroadcastTarget{}
	b := newTestBridge(target)
	valid := wire.Envelope{Type: wire.TypeOverlayUpdate, Timestamp: 1, Team: "TITANS", Payload: map[string]any{}}

	b.handleRedisMessage(&redis.Message{Payload: payloadFrom(t, b.origin, valid)})
	b.handleRedisMessage(&redis.Message{Payload: "{not json"})
	b.handleRedisMessage(&redis.Message{Payload: payloadFrom(t, "other", wire.Envelope{Type: wire.TypeBiometricUpdate, Timestamp: 1})})

	assert.Empty(t, target.received)
}

func TestTopicPerTeam(t *testing.T) {
	b := newTestBridge(&mockBroadcastTarget{})
	assert.Equal(t, "test:ws:team:CARDINALS", b.topic("CARDINALS"))
	assert.Equal(t, "test:ws:team:ALL", b.topic(""))
}

func TestDefaultPrefix(t *testing.T) {
	b := NewRedisBridge(config.RedisConfig{Addr: "localhost:6379"}, &mockBroadcastTarget{}, zerolog.Nop())
	assert.Equal(t, "rtssf:ws:team:TITANS", b.topic("TITANS"))
}

func TestRedisBridgeAvailableFalseBeforeStart(t *testing.T) {
	rb := newTestBridge(&mockBroadcastTarget{})
	assert.False(t, rb.Available())
}

func TestRedisBridgeOriginUnique(t *testing.T) {
	b1 := newTestBridge(&mockBroadcastTarget{})
	b2 := newTestBridge(&mockBroadcastTarget{})
	assert.NotEqual(t, b1.origin, b2.origin)
}

func TestStopWithoutStart(t *testing.T) {
	b := newTestBridge(&mockBroadcastTarget{})
	assert.NoError(t, b.Stop())
	assert.NoError(t, b.Stop())
	assert.False(t, b.Available())
}
