package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UtteranceState tells the intent service how to route a skill's next utterance.
type UtteranceState string

const (
	// StateIntent routes utterances through normal intent resolution (and converse).
	StateIntent UtteranceState = "intent"
	// StateResponse routes the next utterance straight back to the skill.
	StateResponse UtteranceState = "response"
)

// ActiveSkill is an entry of the active skill list. It is encoded as the
// JSON array [skill_id, unix_seconds].
type ActiveSkill struct {
	SkillID   string
	Timestamp float64
}

func (a ActiveSkill) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.SkillID, a.Timestamp})
}

func (a *ActiveSkill) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("active skill: expected 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &a.SkillID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &a.Timestamp)
}

// Session is the state of one conversation: language, placement, pipeline,
// active skills, response mode per skill and intent context. Session
// methods are safe for concurrent access; the embedded Context is owned by
// whoever is handling the conversation.
type Session struct {
	SessionID         string
	Lang              string
	SiteID            string
	ValidLanguages    []string
	ActiveSkills      []ActiveSkill
	UtteranceStates   map[string]UtteranceState
	Pipeline          []string
	Context           *IntentContextManager
	TouchTime         time.Time
	ExpirationSeconds int

	mu      sync.RWMutex
	tracker tracker
}

// tracker is notified whenever a session is touched.
type tracker interface {
	Update(s *Session, makeDefault bool)
}

// New creates a session with the built-in defaults. An empty id gets a
// random UUID.
func New(id string) *Session {
	return DefaultDefaults().New(id)
}

// New creates a session filled from d. An empty id gets a random UUID.
func (d Defaults) New(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		SessionID:         id,
		Lang:              d.lang(),
		SiteID:            d.siteID(),
		ValidLanguages:    d.ValidLanguages(),
		ActiveSkills:      []ActiveSkill{},
		UtteranceStates:   map[string]UtteranceState{},
		Pipeline:          d.pipeline(),
		Context:           NewIntentContextManager(d.Context),
		TouchTime:         time.Now(),
		ExpirationSeconds: d.TTL,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SessionID
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	s.SessionID = id
	s.mu.Unlock()
}

func (s *Session) bind(t tracker) {
	s.mu.Lock()
	s.tracker = t
	s.mu.Unlock()
}

// Active reports whether any skill is active in this session.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ActiveSkills) > 0
}

// Touch refreshes the touch time and notifies the owning manager.
func (s *Session) Touch() {
	s.mu.Lock()
	s.TouchTime = time.Now()
	t := s.tracker
	s.mu.Unlock()
	if t != nil {
		t.Update(s, false)
	}
}

// Expired reports whether the session outlived its expiration. Sessions
// with a negative expiration never expire.
func (s *Session) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ExpirationSeconds < 0 {
		return false
	}
	return time.Since(s.TouchTime) > time.Duration(s.ExpirationSeconds)*time.Second
}

// EnableResponseMode marks skillID as expecting the next utterance.
func (s *Session) EnableResponseMode(skillID string) {
	s.setState(skillID, StateResponse)
}

// DisableResponseMode returns skillID to normal intent handling.
func (s *Session) DisableResponseMode(skillID string) {
	s.setState(skillID, StateIntent)
}

func (s *Session) setState(skillID string, state UtteranceState) {
	s.mu.Lock()
	if s.UtteranceStates == nil {
		s.UtteranceStates = map[string]UtteranceState{}
	}
	s.UtteranceStates[skillID] = state
	s.mu.Unlock()
	s.Touch()
}

// UtteranceState returns the state recorded for skillID, StateIntent if none.
func (s *Session) UtteranceState(skillID string) UtteranceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.UtteranceStates[skillID]; ok {
		return st
	}
	return StateIntent
}

// ActivateSkill moves skillID to the front of the active list.
func (s *Session) ActivateSkill(skillID string) {
	s.mu.Lock()
	s.removeSkillLocked(skillID)
	entry := ActiveSkill{SkillID: skillID, Timestamp: unixSeconds(time.Now())}
	s.ActiveSkills = append([]ActiveSkill{entry}, s.ActiveSkills...)
	s.mu.Unlock()
	s.Touch()
}

// DeactivateSkill removes skillID from the active list if present.
func (s *Session) DeactivateSkill(skillID string) {
	s.mu.Lock()
	s.removeSkillLocked(skillID)
	s.mu.Unlock()
	s.Touch()
}

func (s *Session) removeSkillLocked(skillID string) {
	for i, a := range s.ActiveSkills {
		if a.SkillID == skillID {
			s.ActiveSkills = append(s.ActiveSkills[:i:i], s.ActiveSkills[i+1:]...)
			return
		}
	}
}

// IsActive reports whether skillID is in the active list.
func (s *Session) IsActive(skillID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.ActiveSkills {
		if a.SkillID == skillID {
			return true
		}
	}
	return false
}

// ActiveSkillIDs returns the active skill ids, most recent first.
func (s *Session) ActiveSkillIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.ActiveSkills))
	for i, a := range s.ActiveSkills {
		ids[i] = a.SkillID
	}
	return ids
}

// Clear deactivates every skill.
func (s *Session) Clear() {
	s.mu.Lock()
	s.ActiveSkills = []ActiveSkill{}
	s.mu.Unlock()
	s.Touch()
}

// String formats the session as {id,touch_time}.
func (s *Session) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("{%s,%d}", s.SessionID, s.TouchTime.Unix())
}

// Clone returns a deep copy that is not bound to any manager.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &Session{
		SessionID:         s.SessionID,
		Lang:              s.Lang,
		SiteID:            s.SiteID,
		ValidLanguages:    append([]string{}, s.ValidLanguages...),
		ActiveSkills:      append([]ActiveSkill{}, s.ActiveSkills...),
		UtteranceStates:   make(map[string]UtteranceState, len(s.UtteranceStates)),
		Pipeline:          append([]string{}, s.Pipeline...),
		TouchTime:         s.TouchTime,
		ExpirationSeconds: s.ExpirationSeconds,
	}
	for k, v := range s.UtteranceStates {
		out.UtteranceStates[k] = v
	}
	if s.Context != nil {
		ctx := *s.Context
		ctx.Keywords = append([]string{}, s.Context.Keywords...)
		ctx.FrameStack = make([]FrameEntry, len(s.Context.FrameStack))
		for i, e := range s.Context.FrameStack {
			f := NewFrame(nil, nil)
			for _, ent := range e.Frame.Entities {
				f.Entities = append(f.Entities, ent.clone())
			}
			for k, v := range e.Frame.Metadata {
				f.Metadata[k] = v
			}
			ctx.FrameStack[i] = FrameEntry{Frame: f, Timestamp: e.Timestamp}
		}
		out.Context = &ctx
	}
	return out
}

type wireSession struct {
	SessionID         string                    `json:"session_id"`
	Lang              string                    `json:"lang"`
	SiteID            string                    `json:"site_id"`
	ValidLanguages    []string                  `json:"valid_languages"`
	ActiveSkills      []ActiveSkill             `json:"active_skills"`
	UtteranceStates   map[string]UtteranceState `json:"utterance_states"`
	Pipeline          []string                  `json:"pipeline"`
	Context           json.RawMessage           `json:"context,omitempty"`
	TouchTime         *int64                    `json:"touch_time,omitempty"`
	ExpirationSeconds *int                      `json:"expiration_seconds,omitempty"`
}

// MarshalJSON encodes the session in its wire form.
func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx := s.Context
	if ctx == nil {
		ctx = NewIntentContextManager(DefaultContextConfig())
	}
	rawCtx, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	touch := s.TouchTime.Unix()
	ttl := s.ExpirationSeconds
	w := wireSession{
		SessionID:         s.SessionID,
		Lang:              s.Lang,
		SiteID:            s.SiteID,
		ValidLanguages:    nonNil(s.ValidLanguages),
		ActiveSkills:      s.ActiveSkills,
		UtteranceStates:   s.UtteranceStates,
		Pipeline:          nonNil(s.Pipeline),
		Context:           rawCtx,
		TouchTime:         &touch,
		ExpirationSeconds: &ttl,
	}
	if w.ActiveSkills == nil {
		w.ActiveSkills = []ActiveSkill{}
	}
	if w.UtteranceStates == nil {
		w.UtteranceStates = map[string]UtteranceState{}
	}
	return json.Marshal(w)
}

// Serialize returns the session as a JSON-compatible map, the form embedded
// under the "session" key of a message context.
func (s *Session) Serialize() map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		// every field is JSON-safe
		panic(fmt.Sprintf("session: serialize: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("session: serialize: %v", err))
	}
	return out
}

// Deserialize builds a session from its serialized map using the built-in
// defaults for missing fields.
func Deserialize(data map[string]any) (*Session, error) {
	return DefaultDefaults().Deserialize(data)
}

// Deserialize builds a session from its serialized map. Missing or empty
// fields are filled from d, a missing id gets a random UUID.
func (d Defaults) Deserialize(data map[string]any) (*Session, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("session: encode: %w", err)
	}
	return d.Unmarshal(b)
}

// Unmarshal builds a session from its JSON wire form.
func (d Defaults) Unmarshal(b []byte) (*Session, error) {
	var w wireSession
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	s := d.New(w.SessionID)
	if w.Lang != "" {
		s.Lang = w.Lang
	}
	if w.SiteID != "" {
		s.SiteID = w.SiteID
	}
	if len(w.ValidLanguages) > 0 {
		s.ValidLanguages = w.ValidLanguages
	}
	if w.ActiveSkills != nil {
		s.ActiveSkills = w.ActiveSkills
	}
	if w.UtteranceStates != nil {
		s.UtteranceStates = w.UtteranceStates
	}
	if len(w.Pipeline) > 0 {
		s.Pipeline = w.Pipeline
	}
	if len(w.Context) > 0 && string(w.Context) != "null" {
		if err := json.Unmarshal(w.Context, s.Context); err != nil {
			return nil, fmt.Errorf("session: decode context: %w", err)
		}
	}
	if w.TouchTime != nil {
		s.TouchTime = time.Unix(*w.TouchTime, 0)
	}
	if w.ExpirationSeconds != nil {
		s.ExpirationSeconds = *w.ExpirationSeconds
	}
	return s, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Session) expiration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExpirationSeconds
}
