package session

import "github.com/OpenVoiceOS/ovos-bus-client/message"

// MessageLang returns the language a message should be handled in: the
// "lang" of its data, then of its context, then the language of the session
// the message belongs to. Empty when none applies.
func (m *Manager) MessageLang(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	if lang := messageLang(msg); lang != "" {
		return lang
	}
	_, hasID := msg.Context["session_id"]
	_, hasSession := msg.Context[message.ContextSession]
	if hasID || hasSession {
		return m.Get(msg).Lang
	}
	return ""
}

func messageLang(msg *message.Message) string {
	if lang, _ := msg.Data[message.ContextLang].(string); lang != "" {
		return lang
	}
	lang, _ := msg.Context[message.ContextLang].(string)
	return lang
}

// embeddedLang is the language given to an embedded session without one.
// Unlike messageLang the context takes precedence.
func embeddedLang(msg *message.Message) string {
	if lang, _ := msg.Context[message.ContextLang].(string); lang != "" {
		return lang
	}
	lang, _ := msg.Data[message.ContextLang].(string)
	return lang
}
