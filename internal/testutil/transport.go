package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-bus-client/bus"
)

// ErrTransportDown is returned by Send when the transport is not running.
var ErrTransportDown = errors.New("testutil: transport not running")

// Hub is an in-memory bus server: every frame sent by a connected transport
// is delivered to all running transports, the sender included.
type Hub struct {
	mu      sync.Mutex
	members []*HubTransport
}

// NewHub creates an empty hub.
func NewHub() *Hub { return &Hub{} }

// Transport returns a new transport attached to the hub.
func (h *Hub) Transport() *HubTransport {
	t := &HubTransport{hub: h, inbox: make(chan []byte, 256), stop: make(chan struct{})}
	h.mu.Lock()
	h.members = append(h.members, t)
	h.mu.Unlock()
	return t
}

// Broadcast delivers frame to every running transport, as if another
// process had sent it.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.Lock()
	members := append([]*HubTransport(nil), h.members...)
	h.mu.Unlock()
	for _, m := range members {
		m.deliver(frame)
	}
}

// HubTransport is a bus.Transport connected to a Hub.
type HubTransport struct {
	hub   *Hub
	inbox chan []byte

	mu       sync.Mutex
	running  bool
	sent     [][]byte
	stop     chan struct{}
	stopOnce sync.Once
}

var _ bus.Transport = (*HubTransport)(nil)

// NewLoopbackTransport returns a transport on a private hub, so every sent
// frame comes straight back.
func NewLoopbackTransport() *HubTransport {
	return NewHub().Transport()
}

// Run reports the connection as open and delivers inbound frames until ctx
// is done or Close is called.
func (t *HubTransport) Run(ctx context.Context, ev bus.Events) error {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	ev.OnOpen()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		ev.OnClose()
	}()
	for {
		select {
		case frame := <-t.inbox:
			ev.OnFrame(frame)
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stop:
			return nil
		}
	}
}

// Send records frame and broadcasts it on the hub.
func (t *HubTransport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrTransportDown
	}
	t.sent = append(t.sent, append([]byte(nil), frame...))
	t.mu.Unlock()
	t.hub.Broadcast(frame)
	return nil
}

// Inject delivers frame to this transport only.
func (t *HubTransport) Inject(frame []byte) { t.deliver(frame) }

func (t *HubTransport) deliver(frame []byte) {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return
	}
	select {
	case t.inbox <- append([]byte(nil), frame...):
	case <-time.After(time.Second):
	}
}

// Sent returns a copy of the frames sent so far.
func (t *HubTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

// Close stops Run.
func (t *HubTransport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}
