package message

import (
	"encoding/json"
	"reflect"
)

// Well known context keys.
const (
	ContextSource      = "source"
	ContextDestination = "destination"
	ContextSession     = "session"
	ContextLang        = "lang"
	ContextTarget      = "target"
)

// ResponseSuffix is appended to a message type by Response.
const ResponseSuffix = ".response"

// Message is the envelope sent over the bus. Data and Context are never nil
// for values built with New or Deserialize. Derivation methods return new
// messages; treat a Message as immutable once emitted.
type Message struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
	Context map[string]any `json:"context"`
}

// New builds a Message, substituting empty maps for nil data or context.
func New(msgType string, data, context map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	if context == nil {
		context = map[string]any{}
	}
	return &Message{Type: msgType, Data: data, Context: context}
}

// Forward keeps the context and changes type and data. The returned message
// shares the context map with m; copy before mutating either one.
func (m *Message) Forward(msgType string, data map[string]any) *Message {
	return New(msgType, data, m.Context)
}

// Reply builds a message travelling back toward the sender of m.
//
// The data and the context of m are deep copied, extra context keys are
// merged over the copy, a "destination" in data overrides the context
// destination, and finally source and destination are swapped when both
// are present.
func (m *Message) Reply(msgType string, data, context map[string]any) *Message {
	data = cloneMap(data)
	ctx := cloneMap(m.Context)
	for k, v := range context {
		ctx[k] = v
	}
	if dest, ok := data[ContextDestination]; ok {
		ctx[ContextDestination] = dest
	}
	src, hasSrc := ctx[ContextSource]
	dst, hasDst := ctx[ContextDestination]
	if hasSrc && hasDst {
		ctx[ContextSource] = dst
		ctx[ContextDestination] = src
	}
	return New(msgType, data, ctx)
}

// Response is Reply with the type of m suffixed by ".response".
func (m *Message) Response(data, context map[string]any) *Message {
	return m.Reply(m.Type+ResponseSuffix, data, context)
}

// Publish re-emits with a shallow copy of the context, extra context merged
// in and any "target" removed. Source and destination are left untouched.
func (m *Message) Publish(msgType string, data, context map[string]any) *Message {
	ctx := shallowCopy(m.Context)
	for k, v := range context {
		ctx[k] = v
	}
	delete(ctx, ContextTarget)
	return New(msgType, data, ctx)
}

// Equal reports whether both messages carry the same type, data and context.
// Data and context are compared in their JSON form so that a message equals
// its own serialize/deserialize round trip.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Type != other.Type {
		return false
	}
	return jsonEqual(m.Data, other.Data) && jsonEqual(m.Context, other.Context)
}

func jsonEqual(a, b map[string]any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	na, err := normalize(a)
	if err != nil {
		return false
	}
	nb, err := normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// Serialize encodes m as plain JSON {"type", "data", "context"}.
func (m *Message) Serialize() ([]byte, error) {
	return plainCodec.Encode(m)
}

// AsMap returns the JSON data model form of m.
func (m *Message) AsMap() (map[string]any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Deserialize decodes a plain JSON frame. Encrypted frames are rejected;
// use a Codec configured with the shared secret for those.
func Deserialize(raw []byte) (*Message, error) {
	return plainCodec.Decode(raw)
}

// String returns the plain JSON form, or the type on encoding failure.
func (m *Message) String() string {
	b, err := m.Serialize()
	if err != nil {
		return m.Type
	}
	return string(b)
}
