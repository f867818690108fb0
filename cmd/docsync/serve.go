package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/synckit"
	"github.com/c0deZ3R0/docsync/transport/httptransport"
	"github.com/c0deZ3R0/docsync/transport/sse"
	"github.com/c0deZ3R0/docsync/transport/websocket"
)

type serveOptions struct {
	*rootOptions
	Addr string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a collection as replication master",
		Long: `Serve one collection of the configured storage as replication master.

Endpoints:
  POST /sync/push     push rows
  GET  /sync/pull     pull changes after a checkpoint
  GET  /sync/events   server-sent change notifications
  GET  /ws            websocket with pull, push and streaming
  GET  /healthz       liveness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// newRouter mounts every transport of endpoint on one router.
func newRouter(endpoint *synckit.InstanceEndpoint, logger *slog.Logger) *mux.Router {
	handler := httptransport.NewHandler(endpoint,
		httptransport.WithServerLogger(logger),
		httptransport.WithCompression(true))

	// Routes sit on the root router so a method mismatch is a 405. A
	// subrouter reports it as 404.
	r := mux.NewRouter()
	r.Handle("/sync/push", handler.Push()).Methods(http.MethodPost)
	r.Handle("/sync/pull", handler.Pull()).Methods(http.MethodGet)
	r.Handle("/sync/events", sse.NewServer(endpoint, sse.WithServerLogger(logger))).Methods(http.MethodGet)
	r.Handle("/ws", websocket.NewServer(endpoint, websocket.WithServerLogger(logger)))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	return r
}

func runServe(parent context.Context, opts *serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.cfg
	logger := opts.logger
	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	storage, closeStorage, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	history := synckit.NewResolutionLog(1000)
	handler, err := loadHandler(cfg.Server.ConflictRulesFile, logger, history)
	if err != nil {
		return fmt.Errorf("failed to load conflict rules: %w", err)
	}
	mode := synckit.ConflictModeImmediate
	if handler != nil {
		mode = synckit.ConflictModeTasks
	}

	master, err := storage.CreateInstance(ctx, synckit.InstanceConfig{
		DatabaseName:   cfg.Storage.Database,
		CollectionName: cfg.Server.Collection,
		ConflictMode:   mode,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer master.Close()

	if handler != nil {
		arbiter := synckit.NewArbiter(master, handler, synckit.WithArbiterLogger(logger))
		if err := arbiter.Start(ctx); err != nil {
			return err
		}
		defer arbiter.Stop()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(synckit.NewInstanceEndpoint(master, synckit.WithEndpointLogger(logger)), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Serving",
		"addr", addr,
		"collection", cfg.Server.Collection,
		"storage", storage.Name(),
		"arbiter", handler != nil)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "resolutions", history.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Streams only end when their connection does.
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
