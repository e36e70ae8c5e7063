package message

import "context"

// DefaultMaxRecords bounds how many frames Dig inspects.
const DefaultMaxRecords = 10

type frameKey struct{}

// frame records the arguments of one call scope. Frames form a linked list
// from the innermost scope outward.
type frame struct {
	args   []any
	parent *frame
}

// WithFrame returns a child context recording args as the arguments of a new
// innermost call scope. The bus dispatcher calls it with the inbound Message
// before invoking a handler; code that wraps callbacks may push its own
// frames the same way.
func WithFrame(ctx context.Context, args ...any) context.Context {
	parent, _ := ctx.Value(frameKey{}).(*frame)
	return context.WithValue(ctx, frameKey{}, &frame{args: args, parent: parent})
}

// NewContext records msg as the sole argument of a new frame.
func NewContext(ctx context.Context, msg *Message) context.Context {
	return WithFrame(ctx, msg)
}

// Dig searches at most maxRecords frames, innermost first, and returns the
// first argument that is a Message. Arguments are inspected in the order
// they were recorded; frames without arguments are skipped. It returns nil
// when nothing matches within the bound. A non-positive maxRecords uses
// DefaultMaxRecords.
func Dig(ctx context.Context, maxRecords int) *Message {
	if ctx == nil {
		return nil
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	f, _ := ctx.Value(frameKey{}).(*frame)
	for i := 0; f != nil && i < maxRecords; i, f = i+1, f.parent {
		for _, arg := range f.args {
			switch m := arg.(type) {
			case *Message:
				if m != nil {
					return m
				}
			case *CollectionMessage:
				if m != nil && m.Message != nil {
					return m.Message
				}
			}
		}
	}
	return nil
}

// FromContext is Dig with the default bound.
func FromContext(ctx context.Context) *Message {
	return Dig(ctx, DefaultMaxRecords)
}
