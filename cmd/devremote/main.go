// Command devremote serves an in-memory copy of the remote sync API on
// localhost:8090 for development against fieldsync.
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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/sitesafe/fieldsync/internal/devremote"
	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type options struct {
	listen   string
	logLevel string
	rejects  map[string]string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "devremote",
		Short:        "In-memory remote sync API for development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(os.Stderr, logging.ParseLevel(opts.logLevel))
			gin.SetMode(gin.ReleaseMode)

			srv, err := newServer(opts)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", opts.listen)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", opts.listen, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "devremote listening on %s\n", ln.Addr())
			return run(cmd.Context(), srv, ln)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", envOr("DEVREMOTE_LISTEN", "127.0.0.1:8090"), "address to listen on")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().StringToStringVar(&opts.rejects, "reject", nil, "reject every operation on an entity, e.g. Incident=\"site closed\"")
	return cmd
}

// newServer builds the HTTP handler: the remote API plus a health check.
func newServer(opts *options) (http.Handler, error) {
	remote := devremote.New()
	for name, msg := range opts.rejects {
		entity, err := models.ParseEntity(name)
		if err != nil {
			return nil, err
		}
		remote.Reject(entity, msg)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", remote.Handler())
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"fieldsync-devremote"}`))
	})
	return mux, nil
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, handler http.Handler, ln net.Listener) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
