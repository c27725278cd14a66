package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sitesafe/fieldsync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service and the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ln, err := net.Listen("tcp", a.cfg.Server.Listen)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a, ln)
		},
	}
}

// serve runs the sync loops and the local API on ln until ctx is cancelled.
func serve(ctx context.Context, a *app, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	a.start(gctx)

	hub := NewWSHub()
	events, unsubscribe := a.service.Subscribe()
	g.Go(func() error {
		hub.Forward(events)
		return nil
	})

	srv := &http.Server{
		Handler:           newRouter(a.service, a.client, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logging.Info("Local API listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		unsubscribe()
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logging.Info("Local API stopped", nil)
	return err
}
