package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"lcc-server/internal/app"
)

func newDatasetsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "Inspect and maintain datasets",
	}
	cmd.AddCommand(newDatasetsShowCmd(g), newDatasetsPageCmd(g), newDatasetsSweepCmd(g))
	return cmd
}

func newDatasetsShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <setid>",
		Short: "Show a dataset record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := g.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			v, err := a.Datasets.Get(ctx, g.caller(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd, v, func() ([]string, [][]string) {
				return []string{"field", "value"}, [][]string{
					{"setid", v.SetID},
					{"status", string(v.Status)},
					{"owner", strconv.FormatInt(v.Owner, 10)},
					{"visibility", string(v.Visibility)},
					{"query", string(v.QueryType)},
					{"created", v.Created.Format(time.RFC3339)},
					{"rows", strconv.Itoa(v.NRows)},
					{"pages", strconv.Itoa(v.NPages)},
					{"archive", v.LCZipPath},
				}
			})
		},
	}
}

func newDatasetsPageCmd(g *globals) *cobra.Command {
	var rowsPerPage int
	cmd := &cobra.Command{
		Use:   "page <setid> <page>",
		Short: "Print one page of a dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("page must be an integer: %w", err)
			}
			ctx := commandContext(cmd)
			a, err := g.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			p, err := a.Datasets.GetPage(ctx, g.caller(), args[0], page, rowsPerPage)
			if err != nil {
				return err
			}
			return printOutput(cmd, p, func() ([]string, [][]string) { return p.Columns, p.StrRows })
		},
	}
	cmd.Flags().IntVar(&rowsPerPage, "rows-per-page", 0, "Page size (default: the dataset's own)")
	return cmd
}

func newDatasetsSweepCmd(g *globals) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark datasets stuck in initialized or in progress as failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			a, err := g.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			if ttl <= 0 {
				ttl = a.Config.StaleDatasetTTL
			}
			n, err := a.Datasets.SweepStale(ctx, ttl)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(cmd.OutOrStdout(), map[string]int64{"failed": n})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "marked %d stale dataset(s) failed\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Age after which unfinished datasets fail (default STALE_DATASET_TTL)")
	return cmd
}
