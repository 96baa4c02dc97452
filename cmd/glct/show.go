package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/liquidity-tracker/internal/storage"
)

func showCmd() *cobra.Command {
	var (
		start string
		end   string
		tail  int
	)
	cmd := &cobra.Command{
		Use:   "show <series_id>",
		Short: "Print stored observations of one series",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErr("expected exactly one series id")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

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

			sc, ok := a.registry.SeriesConfigFor(id)
			if !ok {
				return usageErr("unknown series %q", id)
			}

			t, err := a.store.LoadRaw(sc.Source, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return usageErr("no stored data for %q, run: glct fetch --series %s --save", id, id)
				}
				return err
			}

			type row struct {
				date  time.Time
				value float64
			}
			values := t.Column("value")
			var rows []row
			for i, d := range t.DateTimes() {
				if !startT.IsZero() && d.Before(startT) {
					continue
				}
				if !endT.IsZero() && d.After(endT) {
					continue
				}
				rows = append(rows, row{date: d, value: values[i]})
			}
			if tail > 0 && len(rows) > tail {
				rows = rows[len(rows)-tail:]
			}

			fmt.Printf("%s (%s, %s) %d observations\n", id, sc.Source, sc.Frequency, len(rows))
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, r := range rows {
				if math.IsNaN(r.value) {
					fmt.Fprintf(w, "%s\t-\n", r.date.Format(dateLayout))
					continue
				}
				fmt.Fprintf(w, "%s\t%.4f\n", r.date.Format(dateLayout), r.value)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&tail, "tail", 0, "show only the last N observations")
	return cmd
}
