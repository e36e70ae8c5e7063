package bus

import (
	"context"
	"errors"
	"time"

	"github.com/OpenVoiceOS/ovos-bus-client/message"
)

// DefaultWaitTimeout applies when a wait helper gets a zero timeout.
const DefaultWaitTimeout = 3 * time.Second

// waiter captures the first message of any of a set of types. It must be
// set up before the triggering message is emitted.
type waiter struct {
	c     *Client
	ch    chan *message.Message
	types []string
	ids   []message.HandlerID
}

func (c *Client) newWaiter(types []string) *waiter {
	w := &waiter{c: c, ch: make(chan *message.Message, 1), types: types}
	for _, t := range types {
		w.ids = append(w.ids, c.On(t, w.handle))
	}
	return w
}

func (w *waiter) handle(_ context.Context, msg *message.Message) {
	select {
	case w.ch <- msg:
	default:
	}
}

// wait returns the captured message, or nil on timeout or cancellation.
// Handlers are always unregistered.
func (w *waiter) wait(ctx context.Context, timeout time.Duration) *message.Message {
	defer w.remove()
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-w.ch:
		return msg
	case <-timer.C:
		w.c.metrics.WaitTimedOut()
		w.c.logger.Debug("wait timed out", "types", w.types, "timeout", timeout.String())
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (w *waiter) remove() {
	for i, t := range w.types {
		w.c.Remove(t, w.ids[i])
	}
}

// WaitForMessage waits for the next message of msgType. It returns nil if
// none arrives within timeout (DefaultWaitTimeout when zero) or ctx ends.
func (c *Client) WaitForMessage(ctx context.Context, msgType string, timeout time.Duration) *message.Message {
	return c.newWaiter([]string{msgType}).wait(ctx, timeout)
}

// WaitForResponse emits msg and waits for the first message of one of
// replyTypes, "<type>.response" when none are given. A nil message with a
// nil error means the wait timed out, including when msg could not be sent
// within timeout because the connection is down.
func (c *Client) WaitForResponse(ctx context.Context, msg *message.Message, timeout time.Duration, replyTypes ...string) (*message.Message, error) {
	if len(replyTypes) == 0 {
		replyTypes = []string{msg.Type + message.ResponseSuffix}
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	w := c.newWaiter(replyTypes)
	if err := c.emitWithin(ctx, msg, timeout); err != nil {
		w.remove()
		if errors.Is(err, errEmitTimedOut) {
			c.metrics.WaitTimedOut()
			c.logger.Debug("wait timed out before sending", "type", msg.Type, "timeout", timeout.String())
			return nil, nil
		}
		return nil, err
	}
	return w.wait(ctx, timeout), nil
}

var errEmitTimedOut = errors.New("bus: emit timed out")

// emitWithin emits msg, giving up with errEmitTimedOut when no connection
// comes up within timeout.
func (c *Client) emitWithin(ctx context.Context, msg *message.Message, timeout time.Duration) error {
	emitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := c.Emit(emitCtx, msg)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return errEmitTimedOut
	}
	return err
}
