package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wzshiming/s3meta/pkg/gc"
	"github.com/wzshiming/s3meta/pkg/multipart"
	"github.com/wzshiming/s3meta/pkg/versioning"
)

func newGCCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Abort stale multipart uploads once and exit",
		Long: `Abort every multipart upload initiated longer ago than --older-than
and delete the data of its parts. The server does the same periodically
when gc.enabled is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				d, err := cfg.GC.Durations()
				if err != nil {
					return err
				}
				olderThan = d.OlderThan
			}

			ctx := cmd.Context()
			store, err := openMetastore(ctx, cfg.Metastore, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			blobs, err := openBlobs(ctx, cfg.Blob)
			if err != nil {
				return err
			}
			uploads := multipart.New(versioning.New(store), blobs, multipart.WithLogger(logger))

			st, err := gc.New(store, uploads, olderThan, gc.WithLogger(logger)).RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, aborted %d, failed %d\n", st.Scanned, st.Aborted, st.Failed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "abort uploads initiated before this age")
	return cmd
}
