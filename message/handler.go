package message

import "context"

// Handler processes a message dispatched for its exact type. The context
// carries a frame holding the message, so nested code can recover it with
// FromContext.
type Handler func(ctx context.Context, msg *Message)

// HandlerID identifies a registered handler so it can be removed later.
type HandlerID string
