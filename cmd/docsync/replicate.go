package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/config"
	"github.com/c0deZ3R0/docsync/cursor"
	"github.com/c0deZ3R0/docsync/synckit"
	"github.com/c0deZ3R0/docsync/transport/httptransport"
	natstransport "github.com/c0deZ3R0/docsync/transport/nats"
	"github.com/c0deZ3R0/docsync/transport/sse"
	"github.com/c0deZ3R0/docsync/transport/websocket"
)

// metaCollection holds replication checkpoints next to the replicated
// collection.
const metaCollection = "docsync_replication"

func newReplicateCommand(root *rootOptions) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Replicate local storage with a master",
		Long: `Replicate one collection of the configured storage with a master.

The remote URL selects the transport:
  http(s)://host/sync   HTTP push/pull, SSE notifications
  ws(s)://host/ws       websocket
  nats://host:4222      NATS JetStream stream of the collection

Without replication.live the command exits after the initial sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				root.cfg.Replication.Remote = remote
			}
			return runReplicate(cmd.Context(), root)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "master URL (overrides replication.remote)")
	return cmd
}

// openRemote connects to the master at rc.Remote. The returned function
// releases the connection.
func openRemote(ctx context.Context, rc config.ReplicationConfig, logger *slog.Logger) (synckit.RemoteEndpoint, func() error, error) {
	noop := func() error { return nil }
	scheme, err := config.RemoteScheme(rc.Remote)
	if err != nil {
		return nil, nil, err
	}
	switch scheme {
	case "http":
		client := httptransport.NewClient(rc.Remote,
			httptransport.WithClientLogger(logger),
			httptransport.WithClientCompression(true))
		if !rc.Live {
			return client, noop, nil
		}
		events := sse.NewClient(strings.TrimRight(rc.Remote, "/")+"/events", sse.WithClientLogger(logger))
		return synckit.WithNotifications(client, events), noop, nil
	case "ws":
		client := websocket.NewClient(rc.Remote, websocket.WithClientLogger(logger))
		return client, client.Close, nil
	case "nats":
		e, err := natstransport.Connect(ctx, rc.Remote, rc.Collection, natstransport.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported remote %q", rc.Remote)
}

func runReplicate(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.cfg
	logger := opts.logger
	rc := cfg.Replication
	if rc.Remote == "" {
		return fmt.Errorf("replication.remote is required")
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

	open := func(name string) (synckit.StorageInstance, error) {
		return storage.CreateInstance(ctx, synckit.InstanceConfig{
			DatabaseName:   cfg.Storage.Database,
			CollectionName: name,
			Logger:         logger,
		})
	}
	local, err := open(rc.Collection)
	if err != nil {
		return err
	}
	defer local.Close()
	meta, err := open(metaCollection)
	if err != nil {
		return err
	}
	defer meta.Close()

	remote, closeRemote, err := openRemote(ctx, rc, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	history := synckit.NewResolutionLog(1000)
	handler, err := loadHandler(rc.ConflictRulesFile, logger, history)
	if err != nil {
		return fmt.Errorf("failed to load conflict rules: %w", err)
	}

	repOpts := []synckit.ReplicationOption{
		synckit.WithLogger(logger),
		synckit.WithLive(rc.Live),
		synckit.WithBatchSize(rc.BatchSize),
		synckit.WithPollInterval(rc.PollInterval),
		synckit.WithCheckpointStore(synckit.NewInstanceCheckpointStore(meta, cursor.Default())),
	}
	if rc.ID != "" {
		repOpts = append(repOpts, synckit.WithReplicationID(rc.ID))
	}
	if handler != nil {
		repOpts = append(repOpts, synckit.WithConflictHandler(handler))
	}
	rep, err := synckit.NewReplication(local, remote, repOpts...)
	if err != nil {
		return err
	}
	if err := rep.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := rep.Stop(context.Background()); err != nil {
			logger.Warn("Replication stopped with error", "error", err)
		}
	}()

	if err := rep.AwaitInitialReplication(ctx); err != nil {
		return fmt.Errorf("initial replication failed: %w", err)
	}
	stats := rep.Stats()
	logger.Info("Initial replication complete",
		"replication_id", rep.ID(),
		"remote", rc.Remote,
		"stats", fmt.Sprintf("%+v", stats))
	if !rc.Live {
		return nil
	}

	errs := rep.SubscribeErrors()
	defer errs.Close()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping replication", "resolutions", history.Len())
			return nil
		case e, ok := <-errs.C():
			if !ok {
				return nil
			}
			logger.Warn("Replication error", "error", e)
		}
	}
}
