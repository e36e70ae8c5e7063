package testutil

import (
	"github.com/OpenVoiceOS/ovos-bus-client/message"
	"github.com/OpenVoiceOS/ovos-bus-client/session"
)

// MessageBuilder provides a fluent helper for constructing messages in tests.
// Example:
//
//	msg := NewMessageBuilder("speak").Data("utterance", "hi").Route("skills", "audio").Build()
//
// Chain only the parts you need.
type MessageBuilder struct {
	msgType string
	data    map[string]any
	context map[string]any
}

// NewMessageBuilder creates a builder for a message of the given type.
func NewMessageBuilder(msgType string) *MessageBuilder {
	return &MessageBuilder{msgType: msgType, data: map[string]any{}, context: map[string]any{}}
}

// Data sets a data key (chainable).
func (b *MessageBuilder) Data(key string, val any) *MessageBuilder { b.data[key] = val; return b }

// Context sets a context key (chainable).
func (b *MessageBuilder) Context(key string, val any) *MessageBuilder {
	b.context[key] = val
	return b
}

// Route sets context source and destination (chainable).
func (b *MessageBuilder) Route(source, destination string) *MessageBuilder {
	b.context[message.ContextSource] = source
	b.context[message.ContextDestination] = destination
	return b
}

// Session embeds the serialized session in the context (chainable).
func (b *MessageBuilder) Session(s *session.Session) *MessageBuilder {
	b.context[message.ContextSession] = s.Serialize()
	return b
}

// Build returns the message.
func (b *MessageBuilder) Build() *message.Message {
	return message.New(b.msgType, b.data, b.context)
}
