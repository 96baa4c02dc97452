package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/liquidity-tracker/internal/modules/export"
)

func exportCmd() *cobra.Command {
	var (
		output   string
		snapshot bool
		upload   bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the static JSON tree from the stored artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			exporter := a.exporter
			if output != "" {
				exporter = export.New(a.registry, a.store, output, a.log)
			}

			sum, err := exporter.Run(snapshot)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d files to %s\n", sum.Files, exporter.Dir())
			for _, skipped := range sum.Skipped {
				fmt.Printf("skipped %s (no data)\n", skipped)
			}
			if sum.Snapshot != "" {
				fmt.Printf("snapshot %s\n", sum.Snapshot)
			}

			if upload {
				if !a.cfg.S3Enabled() {
					return configErr(fmt.Errorf("no publish target, set S3_BUCKET, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY"))
				}
				publisher, err := export.NewPublisher(cmd.Context(), a.cfg, a.log)
				if err != nil {
					return configErr(err)
				}
				n, err := publisher.Sync(cmd.Context(), exporter.Dir())
				if err != nil {
					return err
				}
				fmt.Printf("uploaded %d files\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "export directory (default from EXPORT_PATH)")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "also copy the tree to a dated snapshot")
	cmd.Flags().BoolVar(&upload, "upload", false, "publish the tree to the configured bucket")
	return cmd
}
