// Package ovosbus wires a ready to use message bus client from a
// configuration: the websocket transport, the frame codec, the session
// registry (optionally backed by Redis), logging and metrics. Most
// applications:
//  1. Create a Bus via New, optionally overriding the configuration or the transport
//  2. Register handlers with On, Once or OnCollect
//  3. Start it with Run or RunInBackground and emit messages with Emit
//
// The returned Bus embeds *bus.Client, so every client operation is
// available directly on it.
package ovosbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OpenVoiceOS/ovos-bus-client/bus"
	"github.com/OpenVoiceOS/ovos-bus-client/config"
	"github.com/OpenVoiceOS/ovos-bus-client/logging"
	"github.com/OpenVoiceOS/ovos-bus-client/message"
	"github.com/OpenVoiceOS/ovos-bus-client/metrics"
	"github.com/OpenVoiceOS/ovos-bus-client/session"
	"github.com/OpenVoiceOS/ovos-bus-client/session/redisstore"
	"github.com/OpenVoiceOS/ovos-bus-client/transport/websocket"
)

// Options configures the Bus.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config

	// Transport overrides the websocket transport built from
	// Config.Websocket.
	Transport bus.Transport

	// Store overrides the session store. When nil and Config.Redis.Addr is
	// set, a Redis store is dialed.
	Store session.Store

	// Session is attached to emitted messages instead of the default session.
	Session *session.Session

	// Authoritative makes this process the owner of the default session:
	// it answers sync requests and announces the default session on every
	// connect.
	Authoritative bool

	MaxConcurrentHandlers int

	// Logger defaults to a BusLogger built from Config.Log.
	Logger logging.Logger

	// Metrics defaults to a fresh registry when Config.Metrics.Addr is set.
	Metrics *metrics.Metrics
}

// Bus is the high-level client façade.
type Bus struct {
	*bus.Client

	cfg      *config.Config
	logger   logging.Logger
	metrics  *metrics.Metrics
	closers  []func() error
	syncOnce sync.Once
}

// New builds a Bus. It fails when the websocket settings are incomplete,
// the secret key is invalid or the Redis store cannot be reached.
func New(ctx context.Context, optFns ...func(o *Options)) (*Bus, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewBusLogger(cfg.LoggerConfig()).WithComponent("bus")
	}
	if opts.Metrics == nil && cfg.Metrics.Addr != "" {
		opts.Metrics = metrics.New()
	}

	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}

	b := &Bus{cfg: cfg, logger: opts.Logger, metrics: opts.Metrics}

	store := opts.Store
	if store == nil && cfg.Redis.Addr != "" {
		rs, err := redisstore.Dial(ctx, cfg.Redis.Addr, func(o *redisstore.Options) {
			o.KeyPrefix = cfg.Redis.KeyPrefix
		})
		if err != nil {
			return nil, fmt.Errorf("connecting session store: %w", err)
		}
		store = rs
		b.closers = append(b.closers, rs.Close)
	}

	transport := opts.Transport
	if transport == nil {
		if err := cfg.Websocket.Validate(); err != nil {
			return nil, err
		}
		transport = websocket.New(cfg.Websocket.URL(), func(o *websocket.Options) {
			o.Logger = opts.Logger
		})
	}

	sessions := session.NewManager(func(o *session.Options) {
		o.Defaults = cfg.SessionDefaults()
		o.Store = store
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})

	b.Client = bus.New(transport, func(o *bus.Options) {
		o.Session = opts.Session
		o.Sessions = sessions
		o.Codec = codec
		o.MaxConcurrentHandlers = opts.MaxConcurrentHandlers
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})

	if opts.Authoritative {
		b.On(bus.EventOpen, b.announceDefault)
	}
	return b, nil
}

// Config returns the configuration the Bus was built from.
func (b *Bus) Config() *config.Config { return b.cfg }

// Metrics returns the metrics collectors, nil when disabled.
func (b *Bus) Metrics() *metrics.Metrics { return b.metrics }

// Close stops the client and releases the session store.
func (b *Bus) Close() error {
	err := b.Client.Close()
	for _, c := range b.closers {
		err = errors.Join(err, c())
	}
	return err
}

func (b *Bus) announceDefault(ctx context.Context, _ *message.Message) {
	var err error
	connected := false
	b.syncOnce.Do(func() {
		connected = true
		err = b.Sessions().ConnectToBus(ctx, b.Client)
	})
	if !connected {
		err = b.Sessions().Sync(ctx, nil)
	}
	if err != nil {
		b.logger.Warn("announcing default session failed", "error", err)
	}
}
