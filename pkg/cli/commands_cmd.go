package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// CommandEntry describes one leaf command of the CLI.
type CommandEntry struct {
	Path  string      `json:"path"`
	Short string      `json:"short"`
	Args  string      `json:"args,omitempty"`
	Flags []FlagEntry `json:"flags,omitempty"`
}

// FlagEntry describes one local flag of a command.
type FlagEntry struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Default  string `json:"default,omitempty"`
	Usage    string `json:"usage,omitempty"`
	Required bool   `json:"required,omitempty"`
}

func newCommandsCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List every command with its arguments and flags",
		Example: `  lccserver commands --filter search
  lccserver commands -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries := walkCommands(cmd.Root(), "")
			if filter != "" {
				f := strings.ToLower(filter)
				kept := entries[:0]
				for _, e := range entries {
					if strings.Contains(strings.ToLower(e.Path+" "+e.Short), f) {
						kept = append(kept, e)
					}
				}
				entries = kept
			}
			return printOutput(cmd, entries, func() ([]string, [][]string) {
				rows := make([][]string, len(entries))
				for i, e := range entries {
					rows[i] = []string{strings.TrimSpace(e.Path + " " + e.Args), e.Short}
				}
				return []string{"command", "description"}, rows
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "Substring matched against command paths and descriptions")
	return cmd
}

// walkCommands collects the leaf commands below cmd.
func walkCommands(cmd *cobra.Command, parent string) []CommandEntry {
	var entries []CommandEntry
	for _, child := range cmd.Commands() {
		if child.Hidden || child.Name() == "help" || child.Name() == "completion" {
			continue
		}
		path := strings.TrimSpace(parent + " " + child.Name())
		if child.HasSubCommands() {
			entries = append(entries, walkCommands(child, path)...)
			continue
		}
		var args string
		if use := strings.Fields(child.Use); len(use) > 1 {
			args = strings.Join(use[1:], " ")
		}
		entries = append(entries, CommandEntry{Path: path, Short: child.Short, Args: args, Flags: collectFlags(child)})
	}
	return entries
}

func collectFlags(cmd *cobra.Command) []FlagEntry {
	var flags []FlagEntry
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		e := FlagEntry{Name: f.Name, Type: f.Value.Type(), Default: f.DefValue, Usage: f.Usage}
		if ann, ok := f.Annotations[cobra.BashCompOneRequiredFlag]; ok && len(ann) > 0 && ann[0] == "true" {
			e.Required = true
		}
		flags = append(flags, e)
	})
	return flags
}
