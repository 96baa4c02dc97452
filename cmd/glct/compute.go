package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

func computeCmd() *cobra.Command {
	var (
		indexIDs    []string
		all         bool
		start       string
		end         string
		save        bool
		showPillars bool
		showRegime  bool
	)
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute indices and the composite from stored raw data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(indexIDs) == 0 && !all {
				return usageErr("pick --index or --all")
			}
			if len(indexIDs) > 0 && all {
				return usageErr("--index and --all are mutually exclusive")
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

			ids := indexIDs
			if all {
				for id := range a.registry.Indices {
					ids = append(ids, id)
				}
				sort.Strings(ids)
			}

			for _, id := range ids {
				idx, ok := a.registry.IndexConfigFor(id)
				if !ok {
					return usageErr("unknown index %q", id)
				}
				if idx.IsPillarized() {
					result, err := a.glci.Compute(cmd.Context(), id, startT, endT, glci.Options{Save: save})
					if err != nil {
						return fmt.Errorf("computing %s: %w", id, err)
					}
					printComposite(id, result, showPillars, showRegime)
					continue
				}

				series, err := a.agg.ComputeIndex(cmd.Context(), id, startT, endT)
				if err != nil {
					return fmt.Errorf("computing %s: %w", id, err)
				}
				if save {
					t := storage.FromSeries(series, "value")
					meta := map[string]interface{}{"index_id": id, "rows": series.Len()}
					if err := a.store.SaveCurated(t, glci.CuratedCategory, id, meta); err != nil {
						return fmt.Errorf("saving %s: %w", id, err)
					}
				}
				printArithmetic(id, series)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&indexIDs, "index", nil, "index ids to compute")
	cmd.Flags().BoolVar(&all, "all", false, "compute every configured index")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&save, "save", false, "persist results to the curated tier")
	cmd.Flags().BoolVar(&showPillars, "pillars", false, "print the pillar breakdown")
	cmd.Flags().BoolVar(&showRegime, "regime", false, "print the regime summary")
	return cmd
}

func printArithmetic(id string, series domain.Series) {
	if series.Len() == 0 {
		fmt.Printf("%s: no observations\n", id)
		return
	}
	last := series.Len() - 1
	fmt.Printf("%s: %d observations, latest %s = %.4f\n",
		id, series.Len(), series.Dates[last].Format(dateLayout), series.Values[last])
}

func printComposite(id string, result *glci.Result, showPillars, showRegime bool) {
	cur := result.Metadata.CurrentRegime
	fmt.Printf("%s: %d observations, latest %s = %.2f (zscore %+.2f, %s)\n",
		id, len(result.Dates), cur.Date, cur.Value, cur.ZScore, cur.RegimeLabel)

	if showPillars {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PILLAR\tWEIGHT\tMETHOD\tEXPLAINED VAR\tVARIABLES")
		for _, name := range result.PillarOrder {
			pr, ok := result.PillarResults[name]
			if !ok {
				fmt.Fprintf(w, "%s\t%.3f\tmissing\t-\t-\n", name, result.Weights.PillarWeights[name])
				continue
			}
			fmt.Fprintf(w, "%s\t%.3f\t%s\t%.3f\t%d\n",
				name, result.Weights.PillarWeights[name], pr.Method, pr.ExplainedVariance, pr.Variables)
		}
		w.Flush()
	}

	if showRegime {
		counts := map[domain.Regime]int{}
		for _, r := range result.Regimes {
			counts[r]++
		}
		fmt.Printf("regimes: tight %d, neutral %d, loose %d (current %s, momentum %+.2f)\n",
			counts[domain.RegimeTight], counts[domain.RegimeNeutral], counts[domain.RegimeLoose],
			cur.RegimeLabel, cur.Momentum)
	}
}
