package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"switchboard/internal/shared/config"
)

func newConfigCommand(cli *CLI) *cobra.Command {
	var showSources bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.Render(cli.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cli.meta.Path != "" {
				fmt.Fprintf(out, "# loaded from %s\n", cli.meta.Path)
			}
			fmt.Fprint(out, string(data))
			if showSources {
				for _, key := range sourceKeys {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", gray(fmt.Sprintf("%-28s", key)), cli.meta.Source(key))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSources, "sources", false, "Print where key settings came from")
	return cmd
}

var sourceKeys = []string{
	"executable.path",
	"executable.timeout",
	"scheduler.max_concurrent",
	"scheduler.starts_per_second",
	"runs.root",
	"runs.retention",
	"sessions.idle_ttl",
	"server.port",
	"log.level",
}
