// Package cli implements lccserver, the command-line entry point of the
// collection server: it runs the HTTP server and exposes the registry,
// search and dataset operations to operators without going through HTTP.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"lcc-server/internal/app"
	"lcc-server/internal/config"
	"lcc-server/internal/domain"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = PrintJSON(os.Stdout, map[string]any{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// globals holds the flags every command shares.
type globals struct {
	envFile  string
	output   string
	logLevel string
	userID   int64
	role     string
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:           "lccserver",
		Short:         "Light curve collection server",
		Long:          "Serve, search and manage federated light curve collections.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return validateOutputFormat(g.output)
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Environment file loaded before reading configuration")
	rootCmd.PersistentFlags().StringVarP(&g.output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override LOG_LEVEL")
	rootCmd.PersistentFlags().Int64Var(&g.userID, "as-user", domain.SuperuserID, "User id local commands act as")
	rootCmd.PersistentFlags().StringVar(&g.role, "as-role", domain.RoleSuperuser, "Role local commands act as")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCommandsCmd())
	rootCmd.AddCommand(newServeCmd(g))
	rootCmd.AddCommand(newCollectionsCmd(g))
	rootCmd.AddCommand(newSearchCmd(g))
	rootCmd.AddCommand(newDatasetsCmd(g))

	return rootCmd
}

// loadConfig reads the environment (and env file) into a Config.
func (g *globals) loadConfig() (*config.Config, *slog.Logger, error) {
	if g.envFile != "" {
		if err := config.LoadDotEnv(g.envFile); err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", g.envFile, err)
		}
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	logger := cfg.NewLogger()
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	return cfg, logger, nil
}

// openApp wires the application for a local command. The caller must
// Close it.
func (g *globals) openApp(ctx context.Context, opts app.Options) (*app.App, error) {
	cfg, logger, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger, opts)
}

func (g *globals) caller() domain.Caller {
	if g.userID == domain.AnonymousID {
		return domain.AnonymousCaller("")
	}
	return domain.Caller{UserID: g.userID, Role: g.role}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(cmd.OutOrStdout(), map[string]string{
					"version": version,
					"commit":  commit,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "lccserver version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
