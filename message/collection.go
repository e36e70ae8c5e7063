package message

// Collection suffixes and data keys used by scatter/gather flows.
const (
	HandlingSuffix = ".handling"
	CollectIDKey   = "__collect_id__"
)

// CollectionMessage is a Message delivered to a collect handler. HandlerID
// identifies the handler instance, QueryID the collect call it answers.
type CollectionMessage struct {
	*Message
	HandlerID string
	QueryID   string
}

// NewCollectionMessage wraps msg for the given handler and query.
func NewCollectionMessage(msg *Message, handlerID, queryID string) *CollectionMessage {
	return &CollectionMessage{Message: msg, HandlerID: handlerID, QueryID: queryID}
}

// Success reports a successful result back to the collector. The context of
// the original message is used when context is nil.
func (c *CollectionMessage) Success(data, context map[string]any) *Message {
	data = cloneMap(data)
	data["query"] = c.QueryID
	data["handler"] = c.HandlerID
	data["succeeded"] = true
	if context == nil {
		context = c.Context
	}
	return c.Reply(c.Type+ResponseSuffix, data, context)
}

// Failure reports that the handler could not answer the query.
func (c *CollectionMessage) Failure() *Message {
	data := map[string]any{
		"query":     c.QueryID,
		"handler":   c.HandlerID,
		"succeeded": false,
	}
	return c.Reply(c.Type+ResponseSuffix, data, c.Context)
}

// Extend asks the collector to wait timeoutSeconds longer for this handler.
func (c *CollectionMessage) Extend(timeoutSeconds float64) *Message {
	data := map[string]any{
		"query":   c.QueryID,
		"handler": c.HandlerID,
		"timeout": timeoutSeconds,
	}
	return c.Reply(c.Type+HandlingSuffix, data, c.Context)
}
