package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilMapsBecomeEmpty(t *testing.T) {
	m := New("speak", nil, nil)
	assert.NotNil(t, m.Data)
	assert.NotNil(t, m.Context)
	assert.Empty(t, m.Data)
	assert.Empty(t, m.Context)
}

func TestSerializeDeserialize_RoundTrip(t *testing.T) {
	source := New("test_type",
		map[string]any{"robot": "marvin", "android": "data", "n": 3, "nested": map[string]any{"a": []any{1, "x"}}},
		map[string]any{"origin": "earth"})

	raw, err := source.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, source.Type, got.Type)
	assert.True(t, source.Equal(got), "round trip should be equal: %s vs %s", source, got)
}

func TestSerializeDeserialize_Speak(t *testing.T) {
	source := New("speak", map[string]any{"utterance": "hi"}, map[string]any{})
	raw, err := source.Serialize()
	require.NoError(t, err)
	got, err := Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, "speak", got.Type)
	assert.Equal(t, map[string]any{"utterance": "hi"}, got.Data)
	assert.Equal(t, map[string]any{}, got.Context)
}

func TestDeserialize_MissingFieldsDefault(t *testing.T) {
	got, err := Deserialize([]byte(`{"type": null}`))
	require.NoError(t, err)
	assert.Equal(t, "", got.Type)
	assert.NotNil(t, got.Data)
	assert.NotNil(t, got.Context)
}

func TestDeserialize_Malformed(t *testing.T) {
	for _, raw := range []string{`{not json`, `[]`, `{"type":"x","data":[1,2]}`, `{"type":1}`} {
		_, err := Deserialize([]byte(raw))
		assert.ErrorIs(t, err, ErrDecode, raw)
	}
}

func TestEqual(t *testing.T) {
	a := New("x", map[string]any{"k": 1}, map[string]any{"c": "d"})
	b := New("x", map[string]any{"k": 1.0}, map[string]any{"c": "d"})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(New("y", a.Data, a.Context)))
	assert.False(t, a.Equal(New("x", map[string]any{"k": 2}, a.Context)))
	assert.False(t, a.Equal(nil))
}

func TestReply_SwapsSourceAndDestination(t *testing.T) {
	source := New("test_type",
		map[string]any{"robot": "marvin"},
		map[string]any{"source": "A", "destination": "B", "custom": "kept"})

	reply := source.Reply("x", nil, nil)
	assert.Equal(t, "x", reply.Type)
	assert.Equal(t, "B", reply.Context["source"])
	assert.Equal(t, "A", reply.Context["destination"])
	assert.Equal(t, "kept", reply.Context["custom"])
	assert.Empty(t, reply.Data)

	// original untouched
	assert.Equal(t, "A", source.Context["source"])

	response := source.Response(nil, nil)
	assert.Equal(t, reply.Context, response.Context)
}

func TestReply_OnlyOneEndpointDoesNotSwap(t *testing.T) {
	onlySource := New("t", nil, map[string]any{"source": "A"})
	r := onlySource.Reply("r", nil, nil)
	assert.Equal(t, "A", r.Context["source"])
	_, hasDest := r.Context["destination"]
	assert.False(t, hasDest)
}

func TestReply_DataDestinationAndExtraContext(t *testing.T) {
	source := New("t", nil, map[string]any{"source": "A", "destination": "B"})
	r := source.Reply("r",
		map[string]any{"destination": "C"},
		map[string]any{"lang": "pt-pt"})
	// destination from data is applied before the swap
	assert.Equal(t, "C", r.Context["source"])
	assert.Equal(t, "A", r.Context["destination"])
	assert.Equal(t, "pt-pt", r.Context["lang"])
}

func TestReply_DeepCopiesContext(t *testing.T) {
	nested := map[string]any{"session_id": "abc"}
	source := New("t", nil, map[string]any{"session": nested})
	r := source.Reply("r", nil, nil)
	r.Context["session"].(map[string]any)["session_id"] = "changed"
	assert.Equal(t, "abc", nested["session_id"])
}

func TestResponse_Naming(t *testing.T) {
	source := New("test_type", map[string]any{"a": 1}, map[string]any{"origin": "earth"})
	r := source.Response(nil, nil)
	assert.Equal(t, "test_type.response", r.Type)
	assert.Empty(t, r.Data)
	assert.Equal(t, source.Context, r.Context)
}

func TestForward_KeepsContext(t *testing.T) {
	source := New("x", map[string]any{"a": 1}, map[string]any{"source": "A", "destination": "B"})
	fwd := source.Forward("y", map[string]any{"b": 2})
	assert.Equal(t, "y", fwd.Type)
	assert.Equal(t, map[string]any{"b": 2}, fwd.Data)
	assert.Equal(t, source.Context, fwd.Context)

	empty := source.Forward("z", nil)
	assert.NotNil(t, empty.Data)
}

func TestPublish_StripsTarget(t *testing.T) {
	source := New("x", nil, map[string]any{"source": "A", "destination": "B", "target": "skill", "other": 1})
	pub := source.Publish("y", map[string]any{"k": "v"}, map[string]any{"extra": true})
	assert.Equal(t, "y", pub.Type)
	assert.NotContains(t, pub.Context, "target")
	assert.Equal(t, "A", pub.Context["source"])
	assert.Equal(t, "B", pub.Context["destination"])
	assert.Equal(t, true, pub.Context["extra"])
	assert.Equal(t, 1, pub.Context["other"])
	assert.Contains(t, source.Context, "target", "original context must not change")
}

func TestAsMap(t *testing.T) {
	m := New("x", map[string]any{"a": 1}, nil)
	out, err := m.AsMap()
	require.NoError(t, err)
	assert.Equal(t, "x", out["type"])
	assert.Equal(t, map[string]any{"a": 1.0}, out["data"])
	assert.Equal(t, map[string]any{}, out["context"])
}

func TestCollectionMessage_Replies(t *testing.T) {
	base := New("question", map[string]any{"q": "why"}, map[string]any{"source": "A", "destination": "B"})
	cm := NewCollectionMessage(base, "h1", "q1")

	ok := cm.Success(map[string]any{"answer": 42}, nil)
	assert.Equal(t, "question.response", ok.Type)
	assert.Equal(t, "q1", ok.Data["query"])
	assert.Equal(t, "h1", ok.Data["handler"])
	assert.Equal(t, true, ok.Data["succeeded"])
	assert.Equal(t, 42, ok.Data["answer"])
	assert.Equal(t, "B", ok.Context["source"])

	fail := cm.Failure()
	assert.Equal(t, false, fail.Data["succeeded"])

	ext := cm.Extend(5)
	assert.Equal(t, "question.handling", ext.Type)
	assert.Equal(t, 5.0, ext.Data["timeout"])
}
