package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/OpenVoiceOS/ovos-bus-client/logging"
	"github.com/OpenVoiceOS/ovos-bus-client/message"
	"github.com/OpenVoiceOS/ovos-bus-client/metrics"
)

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	// MaxConcurrentHandlers bounds the handlers running at once. Zero means
	// unlimited.
	MaxConcurrentHandlers int
	Logger                logging.Logger
	Metrics               *metrics.Metrics
}

type registration struct {
	id      message.HandlerID
	handler message.Handler
	once    bool
}

// Emitter dispatches messages to the handlers registered for their type.
// It is safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]registration

	sem     chan struct{}
	wg      sync.WaitGroup
	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewEmitter creates an emitter without handlers.
func NewEmitter(optFns ...func(o *EmitterOptions)) *Emitter {
	var opts EmitterOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	e := &Emitter{
		handlers: make(map[string][]registration),
		logger:   logging.OrNoOp(opts.Logger),
		metrics:  opts.Metrics,
	}
	if opts.MaxConcurrentHandlers > 0 {
		e.sem = make(chan struct{}, opts.MaxConcurrentHandlers)
	}
	return e
}

// On registers h for msgType.
func (e *Emitter) On(msgType string, h message.Handler) message.HandlerID {
	return e.add(msgType, h, false)
}

// Once registers h for the next msgType message only.
func (e *Emitter) Once(msgType string, h message.Handler) message.HandlerID {
	return e.add(msgType, h, true)
}

func (e *Emitter) add(msgType string, h message.Handler, once bool) message.HandlerID {
	id := message.HandlerID(uuid.NewString())
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[msgType] = append(e.handlers[msgType], registration{id: id, handler: h, once: once})
	return id
}

// Remove unregisters the handler id from msgType. It reports whether the
// handler was found.
func (e *Emitter) Remove(msgType string, id message.HandlerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.handlers[msgType]
	for i, r := range regs {
		if r.id == id {
			e.setLocked(msgType, append(regs[:i:i], regs[i+1:]...))
			return true
		}
	}
	e.logger.Debug("handler not found", "type", msgType, "handler_id", string(id))
	return false
}

// RemoveAll unregisters every handler of msgType.
func (e *Emitter) RemoveAll(msgType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, msgType)
}

// ListenerCount returns the number of handlers registered for msgType.
func (e *Emitter) ListenerCount(msgType string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[msgType])
}

func (e *Emitter) setLocked(msgType string, regs []registration) {
	if len(regs) == 0 {
		delete(e.handlers, msgType)
		return
	}
	e.handlers[msgType] = regs
}

// Emit dispatches msg to the handlers of its type and returns without
// waiting for them. Once handlers are unregistered before they run.
func (e *Emitter) Emit(ctx context.Context, msg *message.Message) int {
	e.mu.Lock()
	regs := e.handlers[msg.Type]
	targets := make([]registration, len(regs))
	copy(targets, regs)
	kept := regs[:0:0]
	for _, r := range regs {
		if !r.once {
			kept = append(kept, r)
		}
	}
	if len(kept) != len(regs) {
		e.setLocked(msg.Type, kept)
	}
	e.mu.Unlock()

	hctx := message.NewContext(ctx, msg)
	for _, r := range targets {
		r := r
		e.spawn(msg.Type, func() { r.handler(hctx, msg) })
	}
	return len(targets)
}

// spawn runs fn on its own goroutine, recovering and logging panics.
func (e *Emitter) spawn(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.sem != nil {
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
		}
		defer func() {
			if r := recover(); r != nil {
				e.metrics.HandlerPanicked()
				e.logger.Error("handler panicked", "type", name,
					"error", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// Wait blocks until every dispatched handler has returned.
func (e *Emitter) Wait() {
	e.wg.Wait()
}
