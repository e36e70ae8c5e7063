package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/OpenVoiceOS/ovos-bus-client/logging"
	"github.com/OpenVoiceOS/ovos-bus-client/message"
	"github.com/OpenVoiceOS/ovos-bus-client/metrics"
	"github.com/OpenVoiceOS/ovos-bus-client/session"
)

// Local event types dispatched for connection state changes.
const (
	EventOpen         = "open"
	EventClose        = "close"
	EventReconnecting = "reconnecting"
	EventError        = "error"
)

// DefaultConnectTimeout is how long Emit waits for a connection before
// checking whether the client was ever started.
const DefaultConnectTimeout = 10 * time.Second

// RawHandler observes every inbound frame before it is decoded.
type RawHandler func(ctx context.Context, frame []byte)

// Options configures a Client.
type Options struct {
	// Session is registered with the manager and attached to every emitted
	// message that carries no session of its own. Defaults to the
	// manager's default session.
	Session *session.Session
	// Sessions is the session registry. A new one is created when nil.
	Sessions *session.Manager
	// Codec encodes and decodes frames. Plaintext when nil.
	Codec *message.Codec

	ConnectTimeout        time.Duration
	MaxConcurrentHandlers int
	Logger                logging.Logger
	Metrics               *metrics.Metrics
}

// Client is a message bus client. Create it with New, start it with Run
// or RunInBackground and stop it with Close.
type Client struct {
	transport Transport
	emitter   *Emitter
	sessions  *session.Manager
	codec     *message.Codec
	sessionID string

	connectTimeout time.Duration
	logger         logging.Logger
	metrics        *metrics.Metrics

	mu        sync.Mutex
	connected chan struct{}
	isOpen    bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	started   atomic.Bool

	rawMu sync.RWMutex
	raw   map[message.HandlerID]RawHandler
}

// New creates a client sending through t.
func New(t Transport, optFns ...func(o *Options)) *Client {
	opts := Options{ConnectTimeout: DefaultConnectTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewManager(func(o *session.Options) {
			o.Logger = logger
			o.Metrics = opts.Metrics
		})
	}
	codec := opts.Codec
	if codec == nil {
		codec, _ = message.NewCodec("")
	}
	c := &Client{
		transport: t,
		emitter: NewEmitter(func(o *EmitterOptions) {
			o.MaxConcurrentHandlers = opts.MaxConcurrentHandlers
			o.Logger = logger
			o.Metrics = opts.Metrics
		}),
		sessions:       sessions,
		codec:          codec,
		connectTimeout: opts.ConnectTimeout,
		logger:         logger,
		metrics:        opts.Metrics,
		connected:      make(chan struct{}),
		baseCtx:        context.Background(),
		closed:         make(chan struct{}),
		raw:            make(map[message.HandlerID]RawHandler),
	}
	if opts.Session != nil {
		sessions.Update(opts.Session, false)
		c.sessionID = opts.Session.ID()
	} else {
		c.sessionID = sessions.Default().ID()
	}
	c.On(session.UpdateDefaultMessage, c.onDefaultSessionUpdate)
	return c
}

// Sessions returns the session registry used by the client.
func (c *Client) Sessions() *session.Manager { return c.sessions }

// SessionID returns the id of the session attached to emitted messages.
func (c *Client) SessionID() string { return c.sessionID }

// On registers h for messages of msgType.
func (c *Client) On(msgType string, h message.Handler) message.HandlerID {
	return c.emitter.On(msgType, h)
}

// Once registers h for the next message of msgType.
func (c *Client) Once(msgType string, h message.Handler) message.HandlerID {
	return c.emitter.Once(msgType, h)
}

// Remove unregisters a handler returned by On, Once or OnCollect.
func (c *Client) Remove(msgType string, id message.HandlerID) bool {
	return c.emitter.Remove(msgType, id)
}

// RemoveAll unregisters every handler of msgType.
func (c *Client) RemoveAll(msgType string) {
	c.emitter.RemoveAll(msgType)
}

// ListenerCount returns the number of handlers registered for msgType.
func (c *Client) ListenerCount(msgType string) int {
	return c.emitter.ListenerCount(msgType)
}

// OnRaw registers an observer for every inbound frame.
func (c *Client) OnRaw(h RawHandler) message.HandlerID {
	id := message.HandlerID(uuid.NewString())
	c.rawMu.Lock()
	c.raw[id] = h
	c.rawMu.Unlock()
	return id
}

// RemoveRaw unregisters a raw observer.
func (c *Client) RemoveRaw(id message.HandlerID) {
	c.rawMu.Lock()
	delete(c.raw, id)
	c.rawMu.Unlock()
}

// Emit sends msg. The client's session is added to the sent frame, unless
// msg already carries one; msg itself is never modified since forwarded
// messages share their context map. When no connection is up it waits for
// one; if the client was never started it gives up after the connect
// timeout with ErrNotRunning.
func (c *Client) Emit(ctx context.Context, msg *message.Message) error {
	if _, ok := msg.Context[message.ContextSession]; !ok {
		sess, ok := c.sessions.Lookup(c.sessionID)
		if !ok {
			sess = c.sessions.Defaults().New(c.sessionID)
		}
		msg = withContext(msg, message.ContextSession, sess.Serialize())
	}

	if err := c.waitConnected(ctx); err != nil {
		return err
	}

	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		c.logger.Warn("could not send message", "type", msg.Type, "size", len(frame), "error", err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.metrics.MessageSent()
	c.logMessage("out", msg.Type, len(frame))
	return nil
}

// withContext returns a copy of msg whose context also holds key.
func withContext(msg *message.Message, key string, val any) *message.Message {
	ctx := make(map[string]any, len(msg.Context)+1)
	for k, v := range msg.Context {
		ctx[k] = v
	}
	ctx[key] = val
	return &message.Message{Type: msg.Type, Data: msg.Data, Context: ctx}
}

// messageLogger is implemented by loggers with bus specific helpers, such
// as logging.BusLogger.
type messageLogger interface {
	LogMessage(direction, msgType string, size int)
	LogDropped(reason string, err error)
}

func (c *Client) logMessage(direction, msgType string, size int) {
	if l, ok := c.logger.(messageLogger); ok {
		l.LogMessage(direction, msgType, size)
		return
	}
	c.logger.Debug("message", "direction", direction, "type", msgType, "size", size)
}

func (c *Client) waitConnected(ctx context.Context) error {
	ch, closed := c.connectedChan()
	select {
	case <-ch:
		return nil
	case <-closed:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if !c.started.Load() {
		return ErrNotRunning
	}

	ch, _ = c.connectedChan()
	select {
	case <-ch:
		return nil
	case <-closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connectedChan() (chan struct{}, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.closed
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// Run connects and serves the connection until ctx is done or Close is
// called. Handlers receive contexts derived from ctx.
func (c *Client) Run(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.baseCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()
	c.started.Store(true)
	defer cancel()

	err := c.transport.Run(runCtx, clientEvents{c})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunInBackground starts Run on a new goroutine. The returned channel
// receives Run's result.
func (c *Client) RunInBackground(ctx context.Context) <-chan error {
	c.started.Store(true)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	return done
}

// Close stops the client and closes the transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		close(c.closed)
		if c.isOpen {
			c.isOpen = false
			c.connected = make(chan struct{})
		}
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		err = c.transport.Close()
	})
	return err
}

func (c *Client) ctx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

func (c *Client) onDefaultSessionUpdate(ctx context.Context, msg *message.Message) {
	c.sessions.HandleDefaultSessionUpdate(ctx, msg)
	c.logger.Debug("synced default session")
}

// dispatchLocal delivers a locally generated event to the handlers.
func (c *Client) dispatchLocal(msgType string, data map[string]any) {
	c.emitter.Emit(c.ctx(), message.New(msgType, data, nil))
}

func (c *Client) handleOpen() {
	c.mu.Lock()
	if !c.isOpen {
		c.isOpen = true
		close(c.connected)
	}
	c.mu.Unlock()

	c.logger.Info("connected to message bus")
	c.dispatchLocal(EventOpen, nil)
	c.emitter.spawn(session.SyncMessage, func() {
		err := c.Emit(c.ctx(), message.New(session.SyncMessage, nil, nil))
		if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			c.logger.Warn("default session sync request failed", "error", err)
		}
	})
}

func (c *Client) handleClose() {
	c.mu.Lock()
	if c.isOpen {
		c.isOpen = false
		c.connected = make(chan struct{})
	}
	c.mu.Unlock()
	c.dispatchLocal(EventClose, nil)
}

func (c *Client) handleFrame(frame []byte) {
	ctx := c.ctx()

	c.rawMu.RLock()
	for _, h := range c.raw {
		h := h
		c.emitter.spawn("raw", func() { h(ctx, frame) })
	}
	c.rawMu.RUnlock()

	msg, err := c.codec.Decode(frame)
	if err != nil {
		reason := "decode"
		if errors.Is(err, message.ErrAuthentication) ||
			errors.Is(err, message.ErrUnencryptedRejected) ||
			errors.Is(err, message.ErrNoSecret) {
			reason = "auth"
		}
		c.metrics.FrameDropped(reason)
		if l, ok := c.logger.(messageLogger); ok {
			l.LogDropped(reason, err)
		} else {
			c.logger.Warn("dropping inbound frame", "reason", reason, "size", len(frame), "error", err)
		}
		return
	}
	c.metrics.MessageReceived()
	c.logMessage("in", msg.Type, len(frame))

	// registers non-default sessions, "default" is only set by sync
	c.sessions.Get(msg)

	c.emitter.Emit(ctx, msg)
}

// clientEvents adapts Client to the Events interface without exporting
// the callbacks on Client itself.
type clientEvents struct{ c *Client }

func (e clientEvents) OnOpen()          { e.c.handleOpen() }
func (e clientEvents) OnClose()         { e.c.handleClose() }
func (e clientEvents) OnFrame(b []byte) { e.c.handleFrame(b) }

func (e clientEvents) OnReconnecting(attempt int, delay time.Duration) {
	e.c.metrics.Reconnected()
	e.c.logger.Warn("message bus client will reconnect", "attempt", attempt, "delay", delay.String())
	e.c.dispatchLocal(EventReconnecting, map[string]any{"attempt": attempt, "delay": delay.Seconds()})
}

func (e clientEvents) OnError(err error) {
	e.c.logger.Warn("message bus error", "error", err)
	e.c.dispatchLocal(EventError, map[string]any{"error": err.Error()})
}

// BuildURL returns the websocket URL of a bus server.
func BuildURL(host string, port int, route string, ssl bool) string {
	scheme := "ws"
	if ssl {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, port, route)
}
