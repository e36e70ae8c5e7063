package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotRunning is returned by Emit when the client was never started
	// and no connection came up in time.
	ErrNotRunning = errors.New("bus: client is not running, call Run before emitting")
	// ErrNotConnected wraps transport failures while sending.
	ErrNotConnected = errors.New("bus: not connected")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("bus: client closed")
)

// Events receives connection events from a Transport. Calls for one
// connection are made sequentially.
type Events interface {
	OnOpen()
	OnClose()
	OnReconnecting(attempt int, delay time.Duration)
	OnFrame(frame []byte)
	OnError(err error)
}

// Transport moves encoded frames to and from the bus server.
type Transport interface {
	// Run connects and keeps the connection alive, reporting to ev, until
	// ctx is done or Close is called.
	Run(ctx context.Context, ev Events) error
	// Send writes one frame on the current connection.
	Send(ctx context.Context, frame []byte) error
	Close() error
}
