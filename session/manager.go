package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-bus-client/logging"
	"github.com/OpenVoiceOS/ovos-bus-client/message"
	"github.com/OpenVoiceOS/ovos-bus-client/metrics"
)

const (
	// SyncMessage asks the process owning the default session to announce it.
	SyncMessage = "ovos.session.sync"
	// UpdateDefaultMessage carries the serialized default session under
	// "session_data".
	UpdateDefaultMessage = "ovos.session.update_default"
)

// Bus is the part of the bus client the manager needs to sync the default
// session.
type Bus interface {
	Emit(ctx context.Context, msg *message.Message) error
	On(msgType string, h message.Handler) message.HandlerID
}

// Options configures a Manager.
type Options struct {
	Defaults Defaults
	// Store, when set, receives the latest state of every updated session.
	Store   Store
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Manager is the registry of known sessions. It always holds a session with
// id "default" which is also returned by Default. It is safe for
// concurrent use.
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	defaultSession *Session
	bus            Bus

	defaults Defaults
	store    Store
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// NewManager creates a registry holding a fresh default session.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{Defaults: DefaultDefaults()}
	for _, fn := range optFns {
		fn(&opts)
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		defaults: opts.Defaults,
		store:    opts.Store,
		logger:   logging.OrNoOp(opts.Logger),
		metrics:  opts.Metrics,
	}
	def := m.defaults.New(DefaultSessionID)
	def.bind(m)
	m.defaultSession = def
	m.sessions[DefaultSessionID] = def
	m.metrics.SetSessions(1)
	return m
}

// Defaults returns the defaults new sessions are built from.
func (m *Manager) Defaults() Defaults { return m.defaults }

// Default returns the current default session.
func (m *Manager) Default() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultSession
}

// Lookup returns the registered session for id.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of the registry.
func (m *Manager) Sessions() map[string]*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out
}

// Update stores s in the registry. With makeDefault the session is renamed
// to "default" and installed as the default session; a session already
// named "default" replaces the default as well. Passing nil is a
// programming error and panics.
func (m *Manager) Update(s *Session, makeDefault bool) {
	if s == nil {
		panic("session: Update called with nil session")
	}
	if makeDefault {
		s.setID(DefaultSessionID)
		m.logger.Debug("replacing default session")
	}
	s.bind(m)
	id := s.ID()

	m.mu.Lock()
	if id == DefaultSessionID {
		m.defaultSession = s
	}
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(n)
	m.persist(s)
}

// FromMessage extracts the session carried in msg's context. Without one,
// or when it cannot be decoded, the current default session is returned.
// A missing "lang" in the embedded session is taken from the message
// context, then from its data.
func (m *Manager) FromMessage(msg *message.Message) *Session {
	if msg == nil {
		m.logger.Debug("no message found, using default session")
		return m.Default()
	}
	raw, ok := msg.Context[message.ContextSession]
	if !ok || raw == nil {
		m.logger.Debug("no session in message context, using default session", "type", msg.Type)
		return m.Default()
	}

	var data map[string]any
	switch v := raw.(type) {
	case map[string]any:
		data = make(map[string]any, len(v)+1)
		for k, val := range v {
			data[k] = val
		}
	case *Session:
		data = v.Serialize()
	default:
		m.logger.Warn("unexpected session value in message context, using default session",
			"type", msg.Type)
		return m.Default()
	}
	if _, ok := data["lang"]; !ok {
		data["lang"] = embeddedLang(msg)
	}

	s, err := m.defaults.Deserialize(data)
	if err != nil {
		m.logger.Warn("invalid session in message context, using default session",
			"type", msg.Type, "error", err)
		return m.Default()
	}
	if s.Expired() {
		m.logger.Debug("unexpiring session", "session_id", s.SessionID)
	}
	return s
}

// Get resolves the session for msg. Non-default sessions are registered
// and returned; a message on the default session, or no message at all,
// yields the current default session itself.
func (m *Manager) Get(msg *message.Message) *Session {
	if msg == nil {
		m.logger.Debug("no message, using default session")
		return m.Default()
	}
	s := m.FromMessage(msg)
	if s.ID() == DefaultSessionID {
		return m.Default()
	}
	s.bind(m)
	m.mu.Lock()
	m.sessions[s.SessionID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessions(n)
	return s
}

// GetContext resolves the session for the message carried by ctx, see
// message.FromContext.
func (m *Manager) GetContext(ctx context.Context) *Session {
	return m.Get(message.FromContext(ctx))
}

// Touch resolves the session for msg and refreshes its touch time.
func (m *Manager) Touch(msg *message.Message) {
	m.Get(msg).Touch()
}

// ResetDefaultSession installs a brand new default session and announces it.
func (m *Manager) ResetDefaultSession(ctx context.Context) *Session {
	s := m.defaults.New(DefaultSessionID)
	s.bind(m)

	m.mu.Lock()
	m.defaultSession = s
	m.sessions[DefaultSessionID] = s
	m.mu.Unlock()

	m.logger.Info("default session reset")
	m.persist(s)
	if err := m.Sync(ctx, nil); err != nil {
		m.logger.Warn("default session sync failed", "error", err)
	}
	return s
}

// PruneSessions drops expired sessions other than the default one and
// returns their ids.
func (m *Manager) PruneSessions(ctx context.Context) []string {
	var pruned []string
	m.mu.Lock()
	for id, s := range m.sessions {
		if id == DefaultSessionID {
			continue
		}
		if s.Expired() {
			delete(m.sessions, id)
			pruned = append(pruned, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(n)
	if m.store != nil {
		for _, id := range pruned {
			if err := m.store.Delete(ctx, id); err != nil {
				m.logger.Warn("failed to delete pruned session", "session_id", id, "error", err)
			}
		}
	}
	return pruned
}

// ConnectToBus binds the manager to a bus: sync requests are answered with
// the default session, and the default session is announced right away.
func (m *Manager) ConnectToBus(ctx context.Context, b Bus) error {
	m.mu.Lock()
	m.bus = b
	m.mu.Unlock()
	b.On(SyncMessage, m.handleSyncRequest)
	return m.Sync(ctx, nil)
}

func (m *Manager) handleSyncRequest(ctx context.Context, msg *message.Message) {
	if err := m.Sync(ctx, msg); err != nil {
		m.logger.Warn("default session sync failed", "error", err)
	}
}

// Sync answers msg (or a fresh sync request) with the serialized default
// session. It is a no-op until the manager is connected to a bus.
func (m *Manager) Sync(ctx context.Context, msg *message.Message) error {
	m.mu.RLock()
	b := m.bus
	def := m.defaultSession
	m.mu.RUnlock()
	if b == nil {
		return nil
	}
	reply := m.SyncReply(msg, def)
	m.metrics.SessionSynced()
	return b.Emit(ctx, reply)
}

// SyncReply builds the update_default announcement for def in reply to msg.
func (m *Manager) SyncReply(msg *message.Message, def *Session) *message.Message {
	if msg == nil {
		msg = message.New(SyncMessage, nil, nil)
	}
	if def == nil {
		def = m.Default()
	}
	return msg.Reply(UpdateDefaultMessage, map[string]any{"session_data": def.Serialize()}, nil)
}

// HandleDefaultSessionUpdate adopts the session announced by an
// update_default message as this process' default session.
func (m *Manager) HandleDefaultSessionUpdate(_ context.Context, msg *message.Message) {
	data, ok := msg.Data["session_data"].(map[string]any)
	if !ok {
		m.logger.Warn("default session update without session_data")
		return
	}
	s, err := m.defaults.Deserialize(data)
	if err != nil {
		m.logger.Warn("invalid default session update", "error", err)
		return
	}
	m.Update(s, true)
}

// Load returns the registered session for id, falling back to the store.
// A session found in the store is registered.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.Lookup(id); ok {
		return s, nil
	}
	if m.store == nil {
		return nil, nil
	}
	b, err := m.store.Load(ctx, id)
	if err != nil || b == nil {
		return nil, err
	}
	s, err := m.defaults.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	s.bind(m)
	m.mu.Lock()
	m.sessions[s.SessionID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) persist(s *Session) {
	if m.store == nil {
		return
	}
	b, err := json.Marshal(s)
	if err != nil {
		m.logger.Error("failed to encode session", "session_id", s.ID(), "error", err)
		return
	}
	var ttl time.Duration
	if exp := s.expiration(); exp >= 0 {
		ttl = time.Duration(exp) * time.Second
	}
	if err := m.store.Save(context.Background(), s.ID(), b, ttl); err != nil {
		m.logger.Warn("failed to persist session", "session_id", s.ID(), "error", err)
	}
}
