// Package redisstore implements session.Store on top of Redis so the latest
// state of a conversation is visible to every process sharing the server.
package redisstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/OpenVoiceOS/ovos-bus-client/session"
)

// DefaultKeyPrefix namespaces session keys.
const DefaultKeyPrefix = "ovos:session:"

var _ session.Store = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// KeyPrefix is prepended to every session id.
	KeyPrefix string
	// TTL applies to saves that carry no TTL of their own. Zero keeps such
	// keys until deleted.
	TTL time.Duration
}

// Store is a Redis backed session.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a store using client.
func New(client redis.UniversalClient, optFns ...func(o *Options)) *Store {
	opts := Options{KeyPrefix: DefaultKeyPrefix}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{client: client, prefix: opts.KeyPrefix, ttl: opts.TTL}
}

// Dial connects to the Redis server at addr (host:port) and checks it answers.
func Dial(ctx context.Context, addr string, optFns ...func(o *Options)) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, optFns...), nil
}

// Save implements session.Store.
func (s *Store) Save(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.client.Set(ctx, s.key(id), data, ttl).Err()
}

// Load implements session.Store. Unknown ids yield nil without error.
func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// IDs lists the stored session ids.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	return ids, iter.Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id string) string {
	return s.prefix + id
}
