// Package commands implements the wawebctl command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/waweb"
	"github.com/opd-ai/waweb/config"
	"github.com/opd-ai/waweb/crypto"
	"github.com/opd-ai/waweb/event"
	"github.com/opd-ai/waweb/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	endpoint     string
	identityFile string
	logLevel     string

	cfg config.Config
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:          "wawebctl",
		Short:        "Link to a phone and follow a web messaging session",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			} else {
				cfg = config.Default()
			}
			if endpoint != "" {
				cfg.Endpoint = endpoint
			}
			if identityFile != "" {
				cfg.IdentityFile = identityFile
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return cfg.ApplyLogging()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	root.PersistentFlags().StringVar(&endpoint, "endpoint", "", "websocket endpoint (overrides config)")
	root.PersistentFlags().StringVar(&identityFile, "identity", "", "identity file (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(pairCmd(), listenCmd(), historyCmd())
	return root.Execute()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadIdentity reads the configured identity file. A missing file yields
// nil so the client pairs.
func loadIdentity() (*crypto.Identity, error) {
	if cfg.IdentityFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cfg.IdentityFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := &crypto.Identity{}
	if err := id.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.IdentityFile, err)
	}
	return id, nil
}

func saveIdentity(id *crypto.Identity) error {
	if cfg.IdentityFile == "" {
		return errors.New("no identity file configured")
	}
	data, err := id.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(cfg.IdentityFile, data, 0o600)
}

func removeIdentity() {
	if cfg.IdentityFile == "" {
		return
	}
	if err := os.Remove(cfg.IdentityFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("Could not remove identity file")
	}
}

// newClient builds a client from the loaded configuration. Paired
// identities are written to the identity file and discarded ones removed.
func newClient(id *crypto.Identity) (*waweb.Client, error) {
	opts := waweb.NewOptions()
	cfg.Apply(opts)
	opts.Identity = id

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics = metrics.New(metrics.WithRegistry(reg))
		serveMetrics(cfg.MetricsAddr, reg)
	}

	client, err := waweb.New(opts)
	if err != nil {
		return nil, err
	}
	client.OnEvent(func(ev event.Event) {
		switch ev := ev.(type) {
		case event.LoggedIn:
			if ev.Identity == nil {
				return
			}
			if err := saveIdentity(ev.Identity); err != nil {
				logrus.WithError(err).Error("Could not store identity")
			}
		case event.IdentityDiscarded:
			removeIdentity()
		}
	})
	return client, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{"addr": addr}).WithError(err).Error("Metrics listener stopped")
		}
	}()
}

// waitLogin blocks until the client logs in, terminates or ctx ends.
func waitLogin(ctx context.Context, client *waweb.Client, loggedIn <-chan event.LoggedIn) (event.LoggedIn, error) {
	select {
	case li := <-loggedIn:
		return li, nil
	case <-client.Done():
		return event.LoggedIn{}, fmt.Errorf("session ended: %w", client.Err())
	case <-ctx.Done():
		return event.LoggedIn{}, ctx.Err()
	}
}

// notifyLogin forwards the first LoggedIn event.
func notifyLogin(client *waweb.Client) <-chan event.LoggedIn {
	ch := make(chan event.LoggedIn, 1)
	client.OnEvent(func(ev event.Event) {
		if li, ok := ev.(event.LoggedIn); ok {
			select {
			case ch <- li:
			default:
			}
		}
	})
	return ch
}
