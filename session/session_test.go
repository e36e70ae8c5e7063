package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionDefaults(t *testing.T) {
	s := New("")
	assert.NotEmpty(t, s.SessionID)
	assert.NotEqual(t, s.SessionID, New("").SessionID)
	assert.Equal(t, DefaultLang, s.Lang)
	assert.Equal(t, DefaultSiteID, s.SiteID)
	assert.Equal(t, DefaultPipeline(), s.Pipeline)
	assert.Equal(t, -1, s.ExpirationSeconds)
	assert.Equal(t, []string{DefaultLang}, s.ValidLanguages)
	assert.Equal(t, 2*time.Minute, s.Context.Timeout)
	assert.False(t, s.Active())
}

func TestDefaultsValidLanguages(t *testing.T) {
	d := DefaultDefaults()
	d.Lang = "pt-PT"
	d.SecondaryLangs = []string{"en-US", "pt-PT", "es-ES"}
	assert.Equal(t, []string{"pt-PT", "en-US", "es-ES"}, d.ValidLanguages())
}

func TestActivateSkillMovesToFront(t *testing.T) {
	s := New("s1")
	s.ActivateSkill("a")
	s.ActivateSkill("b")
	s.ActivateSkill("a")

	assert.Equal(t, []string{"a", "b"}, s.ActiveSkillIDs())
	assert.True(t, s.IsActive("b"))
	assert.True(t, s.Active())

	s.DeactivateSkill("b")
	s.DeactivateSkill("missing")
	assert.Equal(t, []string{"a"}, s.ActiveSkillIDs())

	s.Clear()
	assert.False(t, s.Active())
}

func TestResponseMode(t *testing.T) {
	s := New("s1")
	assert.Equal(t, StateIntent, s.UtteranceState("skill"))
	s.EnableResponseMode("skill")
	assert.Equal(t, StateResponse, s.UtteranceState("skill"))
	s.DisableResponseMode("skill")
	assert.Equal(t, StateIntent, s.UtteranceState("skill"))
}

func TestExpiry(t *testing.T) {
	never := New("never")
	never.TouchTime = time.Now().Add(-24 * time.Hour)
	assert.False(t, never.Expired())

	s := New("zero")
	s.ExpirationSeconds = 0
	s.Touch()
	time.Sleep(5 * time.Millisecond)
	assert.True(t, s.Expired())

	s.ExpirationSeconds = 60
	assert.False(t, s.Expired())
	s.TouchTime = time.Now().Add(-2 * time.Minute)
	assert.True(t, s.Expired())
	s.Touch()
	assert.False(t, s.Expired(), "touch unexpires")
}

func TestSerializeRoundTrip(t *testing.T) {
	s := New("s1")
	s.Lang = "de-DE"
	s.SiteID = "kitchen"
	s.Pipeline = []string{"a", "b", "c"}
	s.ExpirationSeconds = 30
	s.ActivateSkill("skill.a")
	s.EnableResponseMode("skill.a")
	s.Context.InjectContext(tag("color", "red", "skill.a"), map[string]any{"turn": 1})

	first := s.Serialize()
	out, err := Deserialize(first)
	require.NoError(t, err)
	assert.Equal(t, first, out.Serialize())

	assert.Equal(t, []string{"a", "b", "c"}, out.Pipeline)
	assert.Equal(t, "kitchen", out.SiteID)
	assert.Equal(t, 30, out.ExpirationSeconds)
	assert.True(t, out.IsActive("skill.a"))
	assert.Equal(t, StateResponse, out.UtteranceState("skill.a"))
	require.Len(t, out.Context.FrameStack, 1)
}

func TestSerializeWireShape(t *testing.T) {
	s := New("s1")
	s.ActivateSkill("skill.a")

	data := s.Serialize()
	for _, key := range []string{"session_id", "lang", "site_id", "valid_languages",
		"active_skills", "utterance_states", "pipeline", "context",
		"touch_time", "expiration_seconds"} {
		assert.Contains(t, data, key)
	}
	active, ok := data["active_skills"].([]any)
	require.True(t, ok)
	pair, ok := active[0].([]any)
	require.True(t, ok)
	assert.Equal(t, "skill.a", pair[0])
}

func TestSerializePanicsOnUnsupportedValue(t *testing.T) {
	s := New("s1")
	s.Context.InjectContext(Entity{"key": "color", "data": make(chan int)}, map[string]any{"turn": 1})
	assert.Panics(t, func() { s.Serialize() })
}

func TestDeserializeEmptyUsesDefaults(t *testing.T) {
	s, err := Deserialize(map[string]any{})
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, DefaultLang, s.Lang)
	assert.Equal(t, DefaultSiteID, s.SiteID)
	assert.Equal(t, DefaultPipeline(), s.Pipeline)
	assert.Empty(t, s.ActiveSkills)
	assert.NotNil(t, s.UtteranceStates)
	assert.NotNil(t, s.Context)
	assert.Equal(t, -1, s.ExpirationSeconds)
	assert.WithinDuration(t, time.Now(), s.TouchTime, 2*time.Second)
}

func TestDeserializeCustomDefaults(t *testing.T) {
	d := DefaultDefaults()
	d.Lang = "fr-FR"
	d.TTL = 300
	d.Context.MaxFrames = 7

	s, err := d.Deserialize(map[string]any{"session_id": "x", "lang": nil})
	require.NoError(t, err)
	assert.Equal(t, "x", s.SessionID)
	assert.Equal(t, "fr-FR", s.Lang)
	assert.Equal(t, 300, s.ExpirationSeconds)
	assert.Equal(t, 7, s.Context.MaxFrames)
}

func TestDeserializeRejectsMalformedFields(t *testing.T) {
	_, err := Deserialize(map[string]any{"active_skills": "nope"})
	assert.Error(t, err)
	_, err = Deserialize(map[string]any{"context": map[string]any{"frame_stack": []any{"x"}}})
	assert.Error(t, err)
}

func TestMarshalJSONMatchesSerialize(t *testing.T) {
	s := New("s1")
	b, err := json.Marshal(s)
	require.NoError(t, err)

	out, err := DefaultDefaults().Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, s.Serialize(), out.Serialize())
}

func TestCloneIsIndependent(t *testing.T) {
	s := New("s1")
	s.ActivateSkill("a")
	s.Context.InjectContext(tag("color", "red", "a"), map[string]any{"turn": 1})

	c := s.Clone()
	c.ActivateSkill("b")
	c.Context.FrameStack[0].Frame.Entities[0]["key"] = "blue"

	assert.Equal(t, []string{"a"}, s.ActiveSkillIDs())
	assert.Equal(t, "red", s.Context.FrameStack[0].Frame.Entities[0]["key"])
	assert.Equal(t, s.SessionID, c.SessionID)
}

func TestString(t *testing.T) {
	s := New("abc")
	s.TouchTime = time.Unix(1700000000, 0)
	assert.Equal(t, "{abc,1700000000}", s.String())
}
