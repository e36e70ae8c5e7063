// Package main is the entry point for the ovos-bus CLI tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ovosbus "github.com/OpenVoiceOS/ovos-bus-client"
	"github.com/OpenVoiceOS/ovos-bus-client/config"
)

// Global flags.
type globalFlags struct {
	configFile string
	host       string
	port       int
	route      string
	ssl        bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "ovos-bus",
		Short: "Talk to an OpenVoiceOS message bus",
		Long: `ovos-bus sends messages to an OpenVoiceOS message bus and watches the
traffic on it. Connection settings are read from the configuration file and
can be overridden with flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.configFile, "config", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&g.host, "host", "", "Bus host")
	root.PersistentFlags().IntVar(&g.port, "port", 0, "Bus port")
	root.PersistentFlags().StringVar(&g.route, "route", "", "Bus route")
	root.PersistentFlags().BoolVar(&g.ssl, "ssl", false, "Connect with TLS")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(newSpeakCmd(g))
	root.AddCommand(newSayToCmd(g))
	root.AddCommand(newListenCmd(g))
	root.AddCommand(newSimpleCLICmd(g))
	root.AddCommand(newSendCmd(g))
	root.AddCommand(newWatchCmd(g))

	return root
}

// loadConfig reads the configuration file, if any, and applies the
// connection flags on top.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if g.configFile != "" {
		var err error
		if cfg, err = config.Load(g.configFile); err != nil {
			return nil, err
		}
	}
	cfg.Websocket = cfg.Websocket.Override(config.Websocket{
		Host:  g.host,
		Port:  g.port,
		Route: g.route,
		SSL:   g.ssl,
	})
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

// connect builds a bus from the flags and starts it. The returned function
// stops the bus and the metrics server.
func (g *globalFlags) connect(ctx context.Context) (*ovosbus.Bus, func(), error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	b, err := ovosbus.New(ctx, func(o *ovosbus.Options) { o.Config = cfg })
	if err != nil {
		return nil, nil, err
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: b.Metrics().Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	done := b.RunInBackground(ctx)
	stop := func() {
		_ = b.Close()
		<-done
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
	}
	return b, stop, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
