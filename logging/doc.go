// Package logging provides a minimal logging interface and adapters for the
// bus client.
//
// The Logger interface defines the leveled methods (Debug, Info, Warn, Error)
// that the client, the session manager and the transports use. This package
// includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping a *slog.Logger
//   - BusLogger with component / session scoping and message helpers
//   - NoOpLogger for silent operation (tests, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	client := bus.New(transport, func(o *bus.Options) { o.Logger = logger })
//
// Arguments after the message are slog style key/value pairs.
package logging
