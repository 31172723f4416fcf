package main

import (
	"github.com/spf13/cobra"

	"switchboard/internal/delivery/server/bootstrap"
)

func newServeCommand(cli *CLI) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := cli.cfg
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return bootstrap.RunServer(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port")
	return cmd
}
