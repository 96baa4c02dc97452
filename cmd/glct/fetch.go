package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/liquidity-tracker/internal/fetcher"
)

func fetchCmd() *cobra.Command {
	var (
		seriesIDs []string
		source    string
		all       bool
		start     string
		end       string
		save      bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch configured series from their sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			selections := 0
			if len(seriesIDs) > 0 {
				selections++
			}
			if source != "" {
				selections++
			}
			if all {
				selections++
			}
			if selections != 1 {
				return usageErr("pick exactly one of --series, --source or --all")
			}

			startT, err := parseDateFlag("start", start)
			if err != nil {
				return err
			}
			endT, err := parseDateFlag("end", end)
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range seriesIDs {
				if _, ok := a.registry.SeriesConfigFor(id); !ok {
					return usageErr("unknown series %q", id)
				}
			}
			if source != "" && len(a.registry.SeriesIDsBySource(source)) == 0 {
				return usageErr("no series configured for source %q", source)
			}

			var results []fetcher.Result
			if len(seriesIDs) > 0 {
				results = a.fetcher.FetchMany(cmd.Context(), seriesIDs, startT, endT, save)
			} else {
				results = a.fetcher.FetchAll(cmd.Context(), source, startT, endT, save)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIES\tROWS\tLAST DATE\tSTATUS")
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Fprintf(w, "%s\t-\t-\t%v\n", res.SeriesID, res.Err)
					continue
				}
				last := res.Series.Points[len(res.Series.Points)-1].Date
				fmt.Fprintf(w, "%s\t%d\t%s\tok\n", res.SeriesID, res.Series.Len(), last.Format(dateLayout))
			}
			w.Flush()

			if failed > 0 {
				return fetchErr(fmt.Errorf("%d of %d series failed to fetch", failed, len(results)))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&seriesIDs, "series", nil, "series ids to fetch")
	cmd.Flags().StringVar(&source, "source", "", "fetch every series of one source")
	cmd.Flags().BoolVar(&all, "all", false, "fetch every configured series")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&save, "save", false, "append fetched data to the raw tier")
	return cmd
}
