package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/synckit"
)

func newDumpCommand(root *rootOptions) *cobra.Command {
	var (
		format     string
		collection string
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every document of a collection, tombstones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", format)
			}
			cfg := root.cfg
			if collection == "" {
				collection = cfg.Server.Collection
			}
			ctx := cmd.Context()
			storage, closeStorage, err := openStorage(ctx, cfg.Storage, root.logger)
			if err != nil {
				return err
			}
			defer closeStorage()

			inst, err := storage.CreateInstance(ctx, synckit.InstanceConfig{
				DatabaseName:   cfg.Storage.Database,
				CollectionName: collection,
				Logger:         root.logger,
			})
			if err != nil {
				return err
			}
			defer inst.Close()

			docs, err := inst.Query(ctx, synckit.PreparedQuery{IncludeDeleted: true})
			if err != nil {
				return err
			}
			return writeDump(cmd.OutOrStdout(), docs, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	cmd.Flags().StringVar(&collection, "collection", "", "collection to dump (defaults to server.collection)")
	return cmd
}

var dumpOptions = litter.Options{
	HidePrivateFields: true,
	StripPackageNames: true,
	HideZeroValues:    true,
}

func writeDump(w io.Writer, docs []synckit.DocumentState, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if docs == nil {
			docs = []synckit.DocumentState{}
		}
		return enc.Encode(docs)
	}
	for _, d := range docs {
		if _, err := fmt.Fprintln(w, dumpOptions.Sdump(d)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d documents\n", len(docs))
	return err
}
