package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"switchboard/internal/delivery/server/bootstrap"
	"switchboard/internal/shared/config"
	serrors "switchboard/internal/shared/errors"
	"switchboard/internal/shared/logging"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func errorLine(msg string) string {
	return red("error: " + msg)
}

// exitCode maps error kinds onto distinct process exit codes.
func exitCode(err error) int {
	switch serrors.KindOf(err) {
	case serrors.KindValidation:
		return 2
	case serrors.KindNotFound:
		return 3
	case serrors.KindUnavailable:
		return 4
	case serrors.KindTimeout:
		return 5
	default:
		return 1
	}
}

// CLI holds state shared by subcommands.
type CLI struct {
	configPath string
	logLevel   string
	runsRoot   string
	noColor    bool

	cfg  config.Config
	meta config.Metadata
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}
	root := &cobra.Command{
		Use:   "switchboard",
		Short: "Session and run orchestration for the Claude CLI",
		Long: fmt.Sprintf(`%s

Runs prompts through the Claude CLI with bounded concurrency, durable run
records and streamed progress.

%s
  switchboard serve                      # HTTP + WebSocket API
  switchboard exec "explain main.go"     # one-shot prompt
  switchboard runs list --status failed  # inspect run records
  switchboard runs retry run-...         # re-execute a failed run
  switchboard config                     # effective configuration`,
			bold("switchboard "+bootstrap.Version), bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cli.noColor || !isTTY() {
				color.NoColor = true
			}
			return cli.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&cli.configPath, "config", "c", "", "Config file (default ~/.switchboard/config.yaml)")
	flags.StringVar(&cli.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&cli.runsRoot, "runs-root", "", "Directory holding run records")
	flags.BoolVar(&cli.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newServeCommand(cli),
		newExecCommand(cli),
		newRunsCommand(cli),
		newConfigCommand(cli),
		newVersionCommand(),
	)
	return root
}

func (c *CLI) loadConfig() error {
	opts := []config.Option{config.WithConfigPath(c.configPath)}
	if c.logLevel != "" {
		opts = append(opts, config.WithOverride("log.level", c.logLevel))
	}
	if c.runsRoot != "" {
		opts = append(opts, config.WithOverride("runs.root", c.runsRoot))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg, c.meta = cfg, meta
	return nil
}

// openContainer builds the orchestrator for a short-lived command. Logs go
// to the log files only, so command output stays clean.
func (c *CLI) openContainer() (*bootstrap.Container, func(), error) {
	logCfg := c.cfg.Log
	logCfg.Console = false
	bootstrap.ConfigureLogging(logCfg)

	container, err := bootstrap.Build(c.cfg, bootstrap.WithLogger(logging.NewComponentLogger("CLI")))
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, gray("shutdown: "+err.Error()))
		}
	}
	return container, closeFn, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "switchboard", bootstrap.Version)
		},
	}
}
