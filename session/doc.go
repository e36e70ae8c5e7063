// Package session tracks conversations across the message bus.
//
// A Session bundles the language, site, intent pipeline, active skills,
// per-skill response mode and intent context of one conversation. It travels
// serialized under the "session" key of every message context, so any
// process can recover whose conversation a message belongs to with
// Manager.Get.
//
// The Manager is the registry of sessions known to this process. It always
// holds the reserved "default" session, used for messages that carry no
// session, and keeps it in sync with the other processes on the bus via the
// ovos.session.sync / ovos.session.update_default message pair.
//
// Sessions may be written through to a Store (InMemoryStore, or the Redis
// store in the redisstore subpackage) so their latest state survives the
// process that produced it.
package session
