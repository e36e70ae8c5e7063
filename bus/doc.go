// Package bus implements the message bus client.
//
// A Client owns a Transport (normally the websocket transport) and an
// Emitter. Outbound messages get the client's session attached before they
// are encoded and sent; inbound frames are decoded, their session is
// registered with the session manager and the message is dispatched to the
// handlers registered for its type. Every handler runs in its own goroutine
// with a context carrying the message, so code deep inside a handler can
// recover it with message.FromContext.
//
// On top of plain On/Emit the client offers request/response helpers:
// WaitForMessage, WaitForResponse, and the scatter/gather pair
// CollectResponses / OnCollect.
package bus
