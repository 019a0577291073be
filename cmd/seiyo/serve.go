// ABOUTME: serve command: runs the HTTP API with countdown ticks and the stall watchdog in the background.
// ABOUTME: Flags override server.addr and server.token; the loopback-or-token rule is checked again afterwards.
package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiratazx/SeiyoHighFork-sub002/api"
)

func (c *cli) newServeCommand() *cobra.Command {
	var addr, token string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline and game API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.open(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()

			if addr != "" {
				app.Config.Server.Addr = addr
			}
			if token != "" {
				app.Config.Server.Token = token
			}
			if err := app.Config.Validate(); err != nil {
				return err
			}

			srv, err := api.NewServer(api.Config{
				Addr:        app.Config.Server.Addr,
				Token:       app.Config.Server.Token,
				Coordinator: app.Coord,
				Events:      app.Events,
				Games:       app.Games,
			})
			if err != nil {
				return err
			}
			app.Start(ctx)
			go tickCountdowns(ctx, app)

			c.eprintf("listening on http://%s\n", app.Config.Server.Addr)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token required on every request")
	return cmd
}

// tickCountdowns expires countdowns once a second until ctx ends.
func tickCountdowns(ctx context.Context, app *App) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.Coord.Tick(ctx)
		}
	}
}
