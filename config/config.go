// Package config loads the bus client configuration from YAML.
//
// Values are read once, when a client or session is constructed; the files
// are never watched. Besides the typed fields, any key present in the file
// can be read with Get using a dotted path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenVoiceOS/ovos-bus-client/bus"
	"github.com/OpenVoiceOS/ovos-bus-client/logging"
	"github.com/OpenVoiceOS/ovos-bus-client/message"
	"github.com/OpenVoiceOS/ovos-bus-client/session"
)

// ErrMissingWebsocket is returned when host, port or route is not configured.
var ErrMissingWebsocket = errors.New("config: missing one or more websocket configs")

// Websocket describes how to reach the bus server.
type Websocket struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Route            string `yaml:"route"`
	SSL              bool   `yaml:"ssl"`
	SecretKey        string `yaml:"secret_key,omitempty"`
	AllowUnencrypted bool   `yaml:"allow_unencrypted"`
}

// Validate checks host, port and route are set.
func (w Websocket) Validate() error {
	var missing []string
	if w.Host == "" {
		missing = append(missing, "host")
	}
	if w.Port == 0 {
		missing = append(missing, "port")
	}
	if w.Route == "" {
		missing = append(missing, "route")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingWebsocket, strings.Join(missing, ", "))
	}
	return nil
}

// URL returns the websocket URL of the server.
func (w Websocket) URL() string {
	return bus.BuildURL(w.Host, w.Port, w.Route, w.SSL)
}

// Override replaces the fields that are set in o.
func (w Websocket) Override(o Websocket) Websocket {
	if o.Host != "" {
		w.Host = o.Host
	}
	if o.Port != 0 {
		w.Port = o.Port
	}
	if o.Route != "" {
		w.Route = o.Route
	}
	if o.SSL {
		w.SSL = true
	}
	return w
}

type Session struct {
	// TTL in seconds, -1 never expires.
	TTL int `yaml:"ttl"`
}

type Intents struct {
	Pipeline []string `yaml:"pipeline"`
}

// Context configures intent context tracking.
type Context struct {
	// Timeout in minutes.
	Timeout   float64  `yaml:"timeout"`
	Greedy    bool     `yaml:"greedy"`
	Keywords  []string `yaml:"keywords"`
	MaxFrames int      `yaml:"max_frames"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Redis enables the shared session store when Addr is set.
type Redis struct {
	Addr      string `yaml:"addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Metrics serves Prometheus metrics on Addr when set.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Config is the client configuration.
type Config struct {
	Lang           string    `yaml:"lang"`
	SecondaryLangs []string  `yaml:"secondary_langs"`
	SiteID         string    `yaml:"site_id"`
	Websocket      Websocket `yaml:"websocket"`
	Session        Session   `yaml:"session"`
	Intents        Intents   `yaml:"intents"`
	Context        Context   `yaml:"context"`
	Log            Log       `yaml:"log"`
	Redis          Redis     `yaml:"redis"`
	Metrics        Metrics   `yaml:"metrics"`

	raw map[string]any
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Lang:           session.DefaultLang,
		SecondaryLangs: []string{},
		SiteID:         session.DefaultSiteID,
		Websocket: Websocket{
			Host:  "127.0.0.1",
			Port:  8181,
			Route: "/core",
		},
		Session: Session{TTL: -1},
		Intents: Intents{Pipeline: session.DefaultPipeline()},
		Context: Context{Timeout: 2, Keywords: []string{}, MaxFrames: 3},
		Log:     Log{Level: "info", Format: "text"},
		Redis:   Redis{KeyPrefix: "ovos:session:"},
		raw:     map[string]any{},
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse reads YAML data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if raw != nil {
		cfg.raw = raw
	}
	return cfg, nil
}

// Get returns the value at a dotted key path such as "websocket.port",
// looking at the values read from the file first and then at the typed
// configuration. def is returned when the key is absent.
func (c *Config) Get(key string, def any) any {
	if v, ok := lookup(c.raw, key); ok {
		return v
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return def
	}
	var typed map[string]any
	if err := yaml.Unmarshal(b, &typed); err != nil {
		return def
	}
	if v, ok := lookup(typed, key); ok {
		return v
	}
	return def
}

func lookup(m map[string]any, key string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(key, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SessionDefaults returns the values new sessions are built from.
func (c *Config) SessionDefaults() session.Defaults {
	return session.Defaults{
		Lang:           c.Lang,
		SecondaryLangs: append([]string(nil), c.SecondaryLangs...),
		SiteID:         c.SiteID,
		Pipeline:       append([]string(nil), c.Intents.Pipeline...),
		TTL:            c.Session.TTL,
		Context: session.ContextConfig{
			Timeout:   time.Duration(c.Context.Timeout * float64(time.Minute)),
			Greedy:    c.Context.Greedy,
			Keywords:  append([]string{}, c.Context.Keywords...),
			MaxFrames: c.Context.MaxFrames,
		},
	}
}

// Codec returns the frame codec for the websocket settings: encrypted with
// secret_key when set, plaintext otherwise.
func (c *Config) Codec() (*message.Codec, error) {
	return message.NewCodec(c.Websocket.SecretKey,
		message.WithAllowUnencrypted(c.Websocket.AllowUnencrypted))
}

// LoggerConfig returns the logging settings.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	lc := logging.DefaultLoggerConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	return lc
}
