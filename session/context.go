package session

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Entity is a single entity tag recognized in an utterance. The common keys
// are "data", "key", "confidence" and "origin".
type Entity map[string]any

// Keyword returns the entity's tag name. Tagger output stores it as the
// second element of the first pair in "data"; a plain string is also accepted.
func (e Entity) Keyword() string {
	switch v := e["data"].(type) {
	case string:
		return v
	case []any:
		if len(v) == 0 {
			return ""
		}
		switch first := v[0].(type) {
		case []any:
			if len(first) > 1 {
				s, _ := first[1].(string)
				return s
			}
		case []string:
			if len(first) > 1 {
				return first[1]
			}
		case string:
			return first
		}
	case [][]string:
		if len(v) > 0 && len(v[0]) > 1 {
			return v[0][1]
		}
	}
	return ""
}

// Confidence returns the entity confidence, 1.0 when absent.
func (e Entity) Confidence() float64 {
	switch v := e["confidence"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 1.0
}

// Origin returns the skill or component that produced the entity.
func (e Entity) Origin() string {
	s, _ := e["origin"].(string)
	return s
}

func (e Entity) clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// dataContains mirrors a membership test on the "data" field: substring
// for strings, element match for lists.
func (e Entity) dataContains(id string) bool {
	switch v := e["data"].(type) {
	case string:
		return v != "" && strings.Contains(v, id)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == id {
				return true
			}
			if pair, ok := item.([]any); ok {
				for _, p := range pair {
					if s, ok := p.(string); ok && s == id {
						return true
					}
				}
			}
		}
	}
	return false
}

// Frame groups the entities injected for one conversational turn.
type Frame struct {
	Entities []Entity      `json:"entities"`
	Metadata map[string]any `json:"metadata"`
}

// NewFrame creates a frame, substituting empty collections for nil.
func NewFrame(entities []Entity, metadata map[string]any) *Frame {
	if entities == nil {
		entities = []Entity{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Frame{Entities: entities, Metadata: metadata}
}

// MetadataMatches reports whether query is a non-empty subset of the
// frame's metadata.
func (f *Frame) MetadataMatches(query map[string]any) bool {
	if len(query) == 0 {
		return false
	}
	for k, v := range query {
		if !reflect.DeepEqual(v, f.Metadata[k]) {
			return false
		}
	}
	return true
}

// MergeContext appends tag and fills metadata keys the frame does not have yet.
func (f *Frame) MergeContext(tag Entity, metadata map[string]any) {
	f.Entities = append(f.Entities, tag)
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		if _, ok := f.Metadata[k]; !ok {
			f.Metadata[k] = v
		}
	}
}

// FrameEntry is a frame with its insertion time. It is encoded as a
// two element JSON array [frame, unix_seconds].
type FrameEntry struct {
	Frame     *Frame
	Timestamp float64
}

func (e FrameEntry) MarshalJSON() ([]byte, error) {
	frame := e.Frame
	if frame == nil {
		frame = NewFrame(nil, nil)
	}
	return json.Marshal([]any{frame, e.Timestamp})
}

func (e *FrameEntry) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("frame entry: expected 2 elements, got %d", len(raw))
	}
	frame := NewFrame(nil, nil)
	if err := json.Unmarshal(raw[0], frame); err != nil {
		return err
	}
	if frame.Entities == nil {
		frame.Entities = []Entity{}
	}
	if frame.Metadata == nil {
		frame.Metadata = map[string]any{}
	}
	if err := json.Unmarshal(raw[1], &e.Timestamp); err != nil {
		return err
	}
	e.Frame = frame
	return nil
}

// ContextConfig is the filtering policy of an IntentContextManager.
type ContextConfig struct {
	Timeout   time.Duration
	Greedy    bool
	Keywords  []string
	MaxFrames int
}

// DefaultContextConfig returns a two minute timeout, keyword filtering with
// no keywords and three frames.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Timeout:   2 * time.Minute,
		Keywords:  []string{},
		MaxFrames: 3,
	}
}

// IntentContextManager tracks recently injected entities so later turns can
// resolve references to them. Frames are kept newest first and are filtered
// by age on read, never purged.
//
// It is not safe for concurrent use; a session is handled by one goroutine
// at a time.
type IntentContextManager struct {
	FrameStack []FrameEntry
	Timeout    time.Duration
	Keywords   []string
	Greedy     bool
	MaxFrames  int
}

// NewIntentContextManager creates an empty manager with the given policy.
func NewIntentContextManager(cfg ContextConfig) *IntentContextManager {
	keywords := cfg.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return &IntentContextManager{
		FrameStack: []FrameEntry{},
		Timeout:    cfg.Timeout,
		Keywords:   keywords,
		Greedy:     cfg.Greedy,
		MaxFrames:  cfg.MaxFrames,
	}
}

type wireContext struct {
	Timeout    *float64     `json:"timeout,omitempty"`
	FrameStack []FrameEntry `json:"frame_stack"`
}

// MarshalJSON encodes the timeout in seconds and the frame stack. The
// filtering policy is local configuration and is not transmitted.
func (m *IntentContextManager) MarshalJSON() ([]byte, error) {
	secs := m.Timeout.Seconds()
	stack := m.FrameStack
	if stack == nil {
		stack = []FrameEntry{}
	}
	return json.Marshal(wireContext{Timeout: &secs, FrameStack: stack})
}

// UnmarshalJSON replaces the frame stack and, when present, the timeout.
// The filtering policy already set on m is left untouched.
func (m *IntentContextManager) UnmarshalJSON(b []byte) error {
	var w wireContext
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Timeout != nil {
		m.Timeout = time.Duration(*w.Timeout * float64(time.Second))
	}
	m.FrameStack = w.FrameStack
	if m.FrameStack == nil {
		m.FrameStack = []FrameEntry{}
	}
	if m.Keywords == nil {
		m.Keywords = []string{}
	}
	return nil
}

// UpdateContext injects every entity when greedy, otherwise only entities
// whose keyword is configured.
func (m *IntentContextManager) UpdateContext(entities []Entity) {
	for _, e := range entities {
		if m.Greedy || m.isKeyword(e.Keyword()) {
			m.InjectContext(e, nil)
		}
	}
}

func (m *IntentContextManager) isKeyword(kw string) bool {
	for _, k := range m.Keywords {
		if k == kw {
			return true
		}
	}
	return false
}

// ClearContext drops every frame.
func (m *IntentContextManager) ClearContext() {
	m.FrameStack = []FrameEntry{}
}

// RemoveContext drops the frames whose first entity's data matches id.
func (m *IntentContextManager) RemoveContext(id string) {
	kept := make([]FrameEntry, 0, len(m.FrameStack))
	for _, e := range m.FrameStack {
		if len(e.Frame.Entities) > 0 && e.Frame.Entities[0].dataContains(id) {
			continue
		}
		kept = append(kept, e)
	}
	m.FrameStack = kept
}

// InjectContext merges entity into the newest frame when that frame matches
// metadata, otherwise pushes a new frame holding a copy of metadata.
func (m *IntentContextManager) InjectContext(entity Entity, metadata map[string]any) {
	if len(m.FrameStack) > 0 && m.FrameStack[0].Frame.MetadataMatches(metadata) {
		m.FrameStack[0].Frame.MergeContext(entity, metadata)
		return
	}
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	entry := FrameEntry{
		Frame:     NewFrame([]Entity{entity}, md),
		Timestamp: unixSeconds(time.Now()),
	}
	m.FrameStack = append([]FrameEntry{entry}, m.FrameStack...)
}

// GetContext returns the entities of the newest frames still within the
// timeout, with confidence decayed by conversation depth. maxFrames <= 0
// means all relevant frames. When missingEntities is given only the first
// entity for each listed keyword is returned. Duplicated keywords are
// reduced to their newest instance.
func (m *IntentContextManager) GetContext(maxFrames int, missingEntities []string) []Entity {
	now := unixSeconds(time.Now())
	timeout := m.Timeout.Seconds()

	relevant := make([]*Frame, 0, len(m.FrameStack))
	for _, e := range m.FrameStack {
		if now-e.Timestamp < timeout {
			relevant = append(relevant, e.Frame)
		}
	}
	if maxFrames <= 0 || maxFrames > len(relevant) {
		maxFrames = len(relevant)
	}

	var (
		collected []Entity
		last      string
		depth     int
		entity    Entity
	)
	for i := 0; i < maxFrames; i++ {
		for _, src := range relevant[i].Entities {
			entity = src.clone()
			entity["confidence"] = src.Confidence() / (2.0 + float64(depth))
			collected = append(collected, entity)
		}
		// Depth is decided once per frame from the last entity seen so far.
		origin := entity.Origin()
		if origin != last || origin == "" {
			depth++
		}
		last = origin
	}

	result := collected
	if len(missingEntities) > 0 {
		wanted := append([]string(nil), missingEntities...)
		result = nil
		for _, e := range collected {
			kw := e.Keyword()
			for j, w := range wanted {
				if w == kw {
					result = append(result, e)
					wanted = append(wanted[:j], wanted[j+1:]...)
					break
				}
			}
		}
	}
	return stripResult(result)
}

// stripResult keeps the first instance of each keyword.
func stripResult(entities []Entity) []Entity {
	seen := make(map[string]struct{}, len(entities))
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		kw := e.Keyword()
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, e)
	}
	return out
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
