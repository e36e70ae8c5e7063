package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenVoiceOS/ovos-bus-client/message"
)

// Defaults for CollectResponses.
const (
	DefaultCollectMinTimeout     = 200 * time.Millisecond
	DefaultCollectMaxTimeout     = 3 * time.Second
	DefaultCollectHandlerTimeout = 2 * time.Second
)

// CollectOptions tunes CollectResponses.
type CollectOptions struct {
	// MinTimeout is always waited so handlers get a chance to acknowledge.
	MinTimeout time.Duration
	// MaxTimeout bounds the whole call. A handler acknowledging with a
	// longer timeout, see message.CollectionMessage.Extend, pushes the
	// deadline out to its own.
	MaxTimeout time.Duration
	// DirectReturn ends the collection early when it returns true for a
	// successful response.
	DirectReturn func(*message.Message) bool
}

type collector struct {
	mu        sync.Mutex
	queryID   string
	handlers  map[string]bool
	responses []*message.Message
	direct    func(*message.Message) bool
	changed   chan struct{}
	done      bool
	deadline  time.Time
}

func (col *collector) notify() {
	select {
	case col.changed <- struct{}{}:
	default:
	}
}

func (col *collector) onHandling(_ context.Context, msg *message.Message) {
	if q, _ := msg.Data["query"].(string); q != col.queryID {
		return
	}
	handler, _ := msg.Data["handler"].(string)
	timeout, _ := msg.Data["timeout"].(float64)
	col.mu.Lock()
	if _, seen := col.handlers[handler]; !seen {
		col.handlers[handler] = false
	}
	if d := time.Now().Add(time.Duration(timeout * float64(time.Second))); d.After(col.deadline) {
		col.deadline = d
	}
	col.mu.Unlock()
	col.notify()
}

func (col *collector) onResponse(_ context.Context, msg *message.Message) {
	if q, _ := msg.Data["query"].(string); q != col.queryID {
		return
	}
	handler, _ := msg.Data["handler"].(string)
	succeeded, _ := msg.Data["succeeded"].(bool)
	col.mu.Lock()
	col.handlers[handler] = true
	if succeeded {
		col.responses = append(col.responses, msg)
		if col.direct != nil && col.direct(msg) {
			col.done = true
		}
	}
	col.mu.Unlock()
	col.notify()
}

// state reports whether every acknowledged handler answered and whether a
// direct return was requested.
func (col *collector) state() (allAnswered, direct bool) {
	col.mu.Lock()
	defer col.mu.Unlock()
	for _, answered := range col.handlers {
		if !answered {
			return false, col.done
		}
	}
	return true, col.done
}

func (col *collector) until() time.Duration {
	col.mu.Lock()
	defer col.mu.Unlock()
	return time.Until(col.deadline)
}

func (col *collector) result() []*message.Message {
	col.mu.Lock()
	defer col.mu.Unlock()
	return append([]*message.Message(nil), col.responses...)
}

// CollectResponses emits msg to every handler registered with OnCollect
// for its type and gathers their successful answers. It waits at least
// MinTimeout, then until every handler that acknowledged has answered, a
// DirectReturn match, or the deadline set by MaxTimeout and extended by
// handler acknowledgements. A collection whose query cannot be sent before
// MaxTimeout returns no responses.
func (c *Client) CollectResponses(ctx context.Context, msg *message.Message, opts CollectOptions) ([]*message.Message, error) {
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = DefaultCollectMinTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = DefaultCollectMaxTimeout
	}
	if opts.MaxTimeout < opts.MinTimeout {
		opts.MaxTimeout = opts.MinTimeout
	}

	col := &collector{
		queryID:  uuid.NewString(),
		handlers: map[string]bool{},
		direct:   opts.DirectReturn,
		changed:  make(chan struct{}, 1),
		deadline: time.Now().Add(opts.MaxTimeout),
	}
	msg = withContext(msg, message.CollectIDKey, col.queryID)

	handlingType := msg.Type + message.HandlingSuffix
	responseType := msg.Type + message.ResponseSuffix
	hid := c.On(handlingType, col.onHandling)
	rid := c.On(responseType, col.onResponse)
	defer func() {
		c.Remove(handlingType, hid)
		c.Remove(responseType, rid)
	}()

	start := time.Now()
	if err := c.emitWithin(ctx, msg, opts.MaxTimeout); err != nil {
		if errors.Is(err, errEmitTimedOut) {
			c.metrics.WaitTimedOut()
			return nil, nil
		}
		return nil, err
	}

	minTimer := time.NewTimer(opts.MinTimeout - time.Since(start))
	defer minTimer.Stop()
	maxTimer := time.NewTimer(col.until())
	defer maxTimer.Stop()

	minElapsed := false
	for {
		all, direct := col.state()
		if direct || (minElapsed && all) {
			return col.result(), nil
		}
		select {
		case <-col.changed:
			maxTimer.Reset(col.until())
		case <-minTimer.C:
			minElapsed = true
		case <-maxTimer.C:
			c.metrics.WaitTimedOut()
			c.logger.Debug("collect timed out", "type", msg.Type, "query", col.queryID)
			return col.result(), nil
		case <-ctx.Done():
			return col.result(), nil
		}
	}
}

// CollectHandler answers a collect query. It should emit the result of
// msg.Success or msg.Failure.
type CollectHandler func(ctx context.Context, msg *message.CollectionMessage)

// OnCollect registers h as a collect participant for msgType. Each query
// is acknowledged with a "<type>.handling" message promising an answer
// within timeout before h is called.
func (c *Client) OnCollect(msgType string, h CollectHandler, timeout time.Duration) message.HandlerID {
	if timeout <= 0 {
		timeout = DefaultCollectHandlerTimeout
	}
	return c.On(msgType, func(ctx context.Context, msg *message.Message) {
		queryID, _ := msg.Context[message.CollectIDKey].(string)
		if queryID == "" {
			c.logger.Warn("collect query without collect id", "type", msg.Type)
			return
		}
		handlerID := uuid.NewString()
		ack := msg.Reply(msg.Type+message.HandlingSuffix, map[string]any{
			"query":   queryID,
			"handler": handlerID,
			"timeout": timeout.Seconds(),
		}, nil)
		if err := c.Emit(ctx, ack); err != nil {
			c.logger.Warn("could not acknowledge collect query", "type", msg.Type, "error", err)
		}
		cm := message.NewCollectionMessage(msg, handlerID, queryID)
		h(message.WithFrame(ctx, cm), cm)
	})
}
