// Package message defines the envelope exchanged over the bus and the rules
// for deriving new envelopes from existing ones.
//
// A Message is a (type, data, context) triple. Data is the payload owned by
// the message; context carries routing and conversation metadata such as
// "source", "destination", "lang" and the serialized "session". Derivation
// helpers encode the routing semantics:
//
//   - Forward keeps the context (same map) and changes the topic
//   - Reply deep copies, merges extra context and swaps source/destination
//   - Response is Reply with the ".response" suffix
//   - Publish shallow copies the context and strips "target"
//
// Codec handles the wire format, including the optional pre-shared-key
// AES-GCM wrapping. WithFrame and Dig replace call stack introspection: the
// dispatcher records the arguments of each handler scope in a
// context.Context and nested code digs the closest Message out of it.
package message
