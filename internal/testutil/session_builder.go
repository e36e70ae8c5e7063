package testutil

import (
	"time"

	"github.com/OpenVoiceOS/ovos-bus-client/session"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1").Lang("pt-PT").Active("skill.a").Build()
type SessionBuilder struct {
	id       string
	lang     string
	siteID   string
	pipeline []string
	active   []string
	response []string
	ttl      *int
	touched  time.Time
}

// NewSessionBuilder creates a new builder for a session with the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id}
}

// Lang sets the session language (chainable).
func (b *SessionBuilder) Lang(l string) *SessionBuilder { b.lang = l; return b }

// Site sets the site id (chainable).
func (b *SessionBuilder) Site(id string) *SessionBuilder { b.siteID = id; return b }

// Pipeline sets the intent pipeline (chainable).
func (b *SessionBuilder) Pipeline(stages ...string) *SessionBuilder {
	b.pipeline = stages
	return b
}

// Active activates skills; the last one ends up most recent (chainable).
func (b *SessionBuilder) Active(skills ...string) *SessionBuilder {
	b.active = append(b.active, skills...)
	return b
}

// ResponseMode puts skills in response mode (chainable).
func (b *SessionBuilder) ResponseMode(skills ...string) *SessionBuilder {
	b.response = append(b.response, skills...)
	return b
}

// TTL sets the expiration in seconds (chainable).
func (b *SessionBuilder) TTL(seconds int) *SessionBuilder { b.ttl = &seconds; return b }

// TouchedAt overrides the touch time (chainable).
func (b *SessionBuilder) TouchedAt(t time.Time) *SessionBuilder { b.touched = t; return b }

// Build returns an unregistered *session.Session.
func (b *SessionBuilder) Build() *session.Session {
	s := session.New(b.id)
	if b.lang != "" {
		s.Lang = b.lang
	}
	if b.siteID != "" {
		s.SiteID = b.siteID
	}
	if b.pipeline != nil {
		s.Pipeline = b.pipeline
	}
	for _, skill := range b.active {
		s.ActivateSkill(skill)
	}
	for _, skill := range b.response {
		s.EnableResponseMode(skill)
	}
	if b.ttl != nil {
		s.ExpirationSeconds = *b.ttl
	}
	if !b.touched.IsZero() {
		s.TouchTime = b.touched
	}
	return s
}
