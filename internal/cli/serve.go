// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/server"
	"github.com/jeranaias/modelmux/internal/telemetry"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat web server and OpenAI-compatible API",
		Example: `  modelmux serve
  modelmux serve --port 9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.openApp(false)
			if err != nil {
				return err
			}
			defer app.Close()
			if host != "" {
				app.Config.Server.Host = host
			}
			if port > 0 {
				app.Config.Server.Port = port
			}
			return runServe(cmd.Context(), app, opts.configPath)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

// runServe starts tracing, the refresh scheduler, the config watcher and the
// HTTP server, then blocks until a signal or a server error.
func runServe(ctx context.Context, app *App, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, app.Config.Telemetry)
	if err != nil {
		log.Printf("TELEMETRY_DISABLED | error=%v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	sched := registry.NewScheduler(app.Registry, app.Config.Discovery.RefreshSchedule, app.Config.DiscoveryRetry())
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start model refresh: %w", err)
	}
	defer sched.Stop()

	srv := server.New(app.Config, server.Deps{
		Local:     app.Local,
		Meta:      app.Meta,
		Sessions:  app.Sessions,
		Engine:    app.Ollama,
		Refresher: sched,
	})

	if watcher := watchConfig(configPath, srv); watcher != nil {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("%s %s\n", SuccessStyle.Render("modelmux listening on"), "http://"+app.Config.ServerAddr())

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("SERVER_SHUTDOWN | reason=signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// watchConfig reloads routing weights when the config file changes. It
// returns nil when there is no file to watch.
func watchConfig(path string, srv *server.Server) *config.Watcher {
	if path == "" {
		p, err := config.ConfigPathTOML()
		if err != nil {
			return nil
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	w, err := config.Watch(path, srv.ApplyConfig)
	if err != nil {
		log.Printf("CONFIG_WATCH_FAILED | path=%s error=%v", path, err)
		return nil
	}
	log.Printf("CONFIG_WATCH | path=%s", path)
	return w
}
