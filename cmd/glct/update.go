package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aristath/liquidity-tracker/internal/events"
	"github.com/aristath/liquidity-tracker/internal/jobs"
	"github.com/aristath/liquidity-tracker/internal/modules/export"
)

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Run the full refresh cycle once: fetch, compute, export",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var publisher jobs.Publisher
			if a.cfg.S3Enabled() {
				p, err := export.NewPublisher(context.Background(), a.cfg, a.log)
				if err != nil {
					return configErr(err)
				}
				publisher = p
			}

			job := jobs.NewUpdateJob(jobs.UpdateConfig{
				Log:        a.log,
				Registry:   a.registry,
				Fetcher:    a.fetcher,
				Aggregator: a.agg,
				GLCI:       a.glci,
				Risk:       a.risk,
				Store:      a.store,
				Exporter:   a.exporter,
				Publisher:  publisher,
				Events:     events.NewManager(a.log),
			})
			return job.Run()
		},
	}
}
