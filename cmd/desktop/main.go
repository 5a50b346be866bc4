// Package main runs the FormSync engine for desktop platforms.
// Desktop clients talk to it over REST and WebSocket on a loopback address.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/formsync/internal/app"
	"github.com/kimhsiao/formsync/internal/config"
	"github.com/kimhsiao/formsync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// RootOptions holds command-line flags. Non-empty flags override the config.
type RootOptions struct {
	ConfigPath string
	Listen     string
	DataDir    string
	LogLevel   string
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "formsync-desktop:", err)
		os.Exit(1)
	}
}

// NewRootCommand creates the formsync-desktop command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "formsync-desktop",
		Short: "Offline-first form capture with background sync",
		Long: `Runs the FormSync engine and serves its local API.

Records are saved to the local store first and delivered to the configured
remote in the background whenever it is reachable.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, nil)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default 127.0.0.1:8090)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "directory for the record store")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(newSealCommand())

	return cmd
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Init(os.Stderr, level)
	return cfg, nil
}

// serve runs the engine and the API until ctx ends. If ready is non-nil it
// receives the bound address once the listener is open.
func serve(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	a, err := app.Open(cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()

	changes, unsubscribe := a.Engine.Subscribe()
	defer unsubscribe()
	go hub.Forward(ctx, changes)

	srv := &http.Server{
		Handler: newRouter(routeDeps{
			Engine:      a.Engine,
			Runner:      a.Scheduler,
			Attachments: a,
			Hub:         hub,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	a.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("FormSync desktop server started", map[string]interface{}{"addr": ln.Addr().String()})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
		logging.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logging.Info("FormSync desktop server stopped", nil)
	return nil
}
