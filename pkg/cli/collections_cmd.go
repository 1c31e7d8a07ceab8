package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lcc-server/internal/app"
	"lcc-server/internal/domain"
)

func newCollectionsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Inspect and manage registered collections",
	}
	cmd.AddCommand(newCollectionsListCmd(g), newCollectionsSearchCmd(g), newCollectionsRemoveCmd(g))
	return cmd
}

func collectionTable(colls []domain.Collection) func() ([]string, [][]string) {
	return func() ([]string, [][]string) {
		rows := make([][]string, len(colls))
		for i, c := range colls {
			rows[i] = []string{c.ID, c.Name, string(c.Visibility), strconv.FormatInt(c.NObjects, 10), strconv.Itoa(len(c.Columns))}
		}
		return []string{"id", "name", "visibility", "objects", "columns"}, rows
	}
}

func newCollectionsListCmd(g *globals) *cobra.Command {
	var publicOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collections visible to the acting user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			a, err := g.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			colls, err := a.Registry.List(ctx, g.caller(), publicOnly)
			if err != nil {
				return err
			}
			return printOutput(cmd, colls, collectionTable(colls))
		},
	}
	cmd.Flags().BoolVar(&publicOnly, "public", false, "Only public collections")
	return cmd
}

func newCollectionsSearchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over collection names, descriptions, projects and citations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := g.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			colls, err := a.Registry.Search(ctx, g.caller(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd, colls, collectionTable(colls))
		},
	}
}

func newCollectionsRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a collection from the index; its files stay on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := g.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			if err := a.Registry.Remove(ctx, args[0]); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(cmd.OutOrStdout(), map[string]string{"removed": args[0]})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed collection %s\n", args[0])
			return nil
		},
	}
}
