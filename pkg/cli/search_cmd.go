package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"lcc-server/internal/app"
	"lcc-server/internal/domain"
	"lcc-server/internal/service/query"
)

// searchFlags are shared by every search subcommand.
type searchFlags struct {
	collections []string
	columns     []string
	filter      string
	visibility  string
	failFast    bool
	sortBy      string
	limit       int
	sample      int
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.collections, "collections", nil, "Collections to search (default all)")
	cmd.Flags().StringSliceVar(&f.columns, "columns", nil, "Extra columns to return")
	cmd.Flags().StringVar(&f.filter, "filter", "", "Filter expression applied in every collection")
	cmd.Flags().StringVar(&f.visibility, "visibility", "", "Visibility of the resulting dataset")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "Stop at the first collection that fails")
	cmd.Flags().StringVar(&f.sortBy, "sort", "", `Sort the merged result, e.g. "sdssr asc"`)
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Keep at most this many merged rows")
	cmd.Flags().IntVar(&f.sample, "sample", 0, "Randomly sample this many merged rows before sorting")
}

func (f *searchFlags) spec(kind domain.QueryKind) *domain.QuerySpec {
	return &domain.QuerySpec{
		Kind:        kind,
		Collections: f.collections,
		Columns:     f.columns,
		Filter:      f.filter,
		Result: domain.ResultSpec{
			Sample: f.sample,
			Sort:   domain.ParseSortKeys(f.sortBy),
			Limit:  f.limit,
		},
	}
}

func newSearchCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a federated search locally and print the dataset summary",
	}
	cmd.AddCommand(newSearchConeCmd(g), newSearchColumnCmd(g), newSearchFullTextCmd(g))
	return cmd
}

func newSearchConeCmd(g *globals) *cobra.Command {
	var (
		f               searchFlags
		ra, decl, arcmn float64
	)
	cmd := &cobra.Command{
		Use:   "cone",
		Short: "Search around a sky position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec := f.spec(domain.QueryConeSearch)
			spec.Center = domain.Coordinates{RA: ra, Decl: decl}
			spec.RadiusArcmin = arcmn
			return runSearch(cmd, g, &f, spec)
		},
	}
	f.register(cmd)
	cmd.Flags().Float64Var(&ra, "ra", 0, "Center right ascension in degrees")
	cmd.Flags().Float64Var(&decl, "decl", 0, "Center declination in degrees")
	cmd.Flags().Float64Var(&arcmn, "radius", 5, "Radius in arcminutes")
	_ = cmd.MarkFlagRequired("ra")
	_ = cmd.MarkFlagRequired("decl")
	return cmd
}

func newSearchColumnCmd(g *globals) *cobra.Command {
	var (
		f       searchFlags
		orderBy string
		limit   string
	)
	cmd := &cobra.Command{
		Use:   "column",
		Short: "Search by column filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec := f.spec(domain.QueryColumn)
			spec.OrderBy = orderBy
			spec.LimitClause = limit
			return runSearch(cmd, g, &f, spec)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&orderBy, "order-by", "", "Per-collection ORDER BY clause")
	cmd.Flags().StringVar(&limit, "collection-limit", "", "Per-collection LIMIT clause")
	return cmd
}

func newSearchFullTextCmd(g *globals) *cobra.Command {
	var f searchFlags
	cmd := &cobra.Command{
		Use:   "fulltext <query>",
		Short: "Full-text search over object names and tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := f.spec(domain.QueryFullText)
			spec.FTSQuery = args[0]
			return runSearch(cmd, g, &f, spec)
		},
	}
	f.register(cmd)
	return cmd
}

func runSearch(cmd *cobra.Command, g *globals, f *searchFlags, spec *domain.QuerySpec) error {
	ctx := commandContext(cmd)
	a, err := g.openApp(ctx, app.Options{FailFast: f.failFast})
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	emit := func(u query.StatusUpdate) {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", u.Status, u.Message)
	}
	req := query.Request{Spec: spec, Visibility: domain.Visibility(f.visibility)}
	out, err := a.Queries.Search(ctx, g.caller(), req, emit)
	if err != nil {
		return err
	}
	if out.Err != nil {
		return out.Err
	}
	if out.Background {
		return printOutput(cmd, out.Result, func() ([]string, [][]string) {
			n, _ := out.Result.(query.BackgroundNotice)
			return []string{"setid", "url"}, [][]string{{n.SetID, n.URL}}
		})
	}
	res, ok := out.Result.(*query.Result)
	if !ok {
		return fmt.Errorf("unexpected search result %T", out.Result)
	}
	return printOutput(cmd, res, func() ([]string, [][]string) { return resultTable(res) })
}

func resultTable(r *query.Result) ([]string, [][]string) {
	rows := [][]string{
		{"setid", r.SetID},
		{"url", r.URL},
		{"rows", strconv.Itoa(r.NRows)},
		{"pages", strconv.Itoa(r.NPages)},
		{"message", r.Message},
	}
	if r.Archive != nil {
		archive := r.Archive.URL
		if archive == "" {
			archive = r.Archive.Message
		}
		rows = append(rows, []string{"archive", archive})
	}
	ids := make([]string, 0, len(r.CollectionMessages))
	for id := range r.CollectionMessages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rows = append(rows, []string{"collection " + id, r.CollectionMessages[id]})
	}
	return []string{"field", "value"}, rows
}
