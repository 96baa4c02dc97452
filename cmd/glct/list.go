package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/liquidity-tracker/internal/modules/export"
)

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list {series|indices|stored}",
		Short: "List configured series, indices or stored artifacts",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErr("expected one of: series, indices, stored")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			switch args[0] {
			case "series":
				return listSeries(a)
			case "indices":
				return listIndices(a)
			case "stored":
				return listStored(a)
			default:
				return usageErr("unknown listing %q, expected series, indices or stored", args[0])
			}
		},
	}
	return cmd
}

func listSeries(a *app) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tFREQUENCY\tCATEGORY\tDESCRIPTION")
	for _, id := range export.SortedSeriesIDs(a.registry) {
		sc := a.registry.Series[id]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			id, sc.Source, sc.Frequency, export.SeriesCategory(sc), sc.Description)
	}
	return w.Flush()
}

func listIndices(a *app) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETHOD\tFREQUENCY\tCOMPONENTS")
	for _, id := range export.SortedIndexIDs(a.registry) {
		idx := a.registry.Indices[id]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			id, export.IndexMethod(idx), string(idx.FrequencyCode()), export.IndexComponentCount(idx))
	}
	return w.Flush()
}

func listStored(a *app) error {
	raw, err := a.store.ListRawSeries("")
	if err != nil {
		return err
	}
	curated, err := a.store.ListCurated("")
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tGROUP\tNAME")
	for _, tier := range []struct {
		name   string
		groups map[string][]string
	}{{"raw", raw}, {"curated", curated}} {
		groupNames := make([]string, 0, len(tier.groups))
		for g := range tier.groups {
			groupNames = append(groupNames, g)
		}
		sort.Strings(groupNames)
		for _, g := range groupNames {
			names := append([]string(nil), tier.groups[g]...)
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprintf(w, "%s\t%s\t%s\n", tier.name, g, n)
			}
		}
	}
	return w.Flush()
}
