// Package websocket connects a bus.Client to a message bus server over a
// websocket, reconnecting with exponential backoff when the connection
// drops.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/OpenVoiceOS/ovos-bus-client/bus"
	"github.com/OpenVoiceOS/ovos-bus-client/logging"
)

// Backoff bounds between reconnection attempts.
const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// ErrNoConnection is returned by Send while no connection is up.
var ErrNoConnection = errors.New("websocket: no connection")

var _ bus.Transport = (*Transport)(nil)

// Options configures a Transport.
type Options struct {
	Dialer         *ws.Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
	Logger         logging.Logger
}

// Transport is a reconnecting websocket bus.Transport.
type Transport struct {
	url  string
	opts Options

	mu   sync.Mutex
	conn *ws.Conn

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a transport for the bus at url, see bus.BuildURL.
func New(url string, optFns ...func(o *Options)) *Transport {
	opts := Options{
		Dialer:         ws.DefaultDialer,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		WriteTimeout:   DefaultWriteTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &Transport{url: url, opts: opts, closed: make(chan struct{})}
}

// URL returns the server address.
func (t *Transport) URL() string { return t.url }

// Run dials the server and serves connections until ctx is done or Close
// is called. After a failed dial or a dropped connection it waits, starting
// at InitialBackoff and doubling up to MaxBackoff; a successful connection
// resets the delay.
func (t *Transport) Run(ctx context.Context, ev bus.Events) error {
	backoff := t.opts.InitialBackoff
	attempt := 0
	for {
		if err := t.stopped(ctx); err != nil {
			return err
		}

		conn, _, err := t.opts.Dialer.DialContext(ctx, t.url, nil)
		if err == nil {
			backoff = t.opts.InitialBackoff
			attempt = 0
			t.setConn(conn)
			ev.OnOpen()
			err = t.serve(ctx, conn, ev)
			t.setConn(nil)
			ev.OnClose()
		}
		if stop := t.stopped(ctx); stop != nil {
			return stop
		}
		if err != nil {
			t.opts.Logger.Warn("message bus connection failed", "url", t.url, "error", err)
			ev.OnError(err)
		}

		attempt++
		ev.OnReconnecting(attempt, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		}
		backoff *= 2
		if backoff > t.opts.MaxBackoff {
			backoff = t.opts.MaxBackoff
		}
	}
}

func (t *Transport) stopped(ctx context.Context) error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	return ctx.Err()
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// serve reads frames until the connection fails or the transport stops.
func (t *Transport) serve(ctx context.Context, conn *ws.Conn, ev bus.Events) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			ev.OnFrame(data)
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.closed:
			t.writeMu.Lock()
			_ = conn.WriteControl(ws.CloseMessage,
				ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
			t.writeMu.Unlock()
		case <-done:
		}
		return conn.Close()
	})

	err := g.Wait()
	if t.isClosed() || ctx.Err() != nil {
		return nil
	}
	if ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
		return nil
	}
	return err
}

func (t *Transport) setConn(c *ws.Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

// Send writes frame as a text message on the current connection.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, frame)
}

// Close stops Run and closes the current connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
