package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/app/coordinator"
	sessiondomain "switchboard/internal/domain/session"
)

type execOptions struct {
	dir     string
	model   string
	timeout time.Duration
	quiet   bool
	flags   []string
}

func newExecCommand(cli *CLI) *cobra.Command {
	opts := execOptions{}
	cmd := &cobra.Command{
		Use:   "exec <prompt>",
		Short: "Run one prompt on a fresh session and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runExec(cmd.OutOrStdout(), cmd.ErrOrStderr(), strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.dir, "dir", "C", "", "Working directory for the CLI process")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model override")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Invocation ceiling (default executable.timeout)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not stream process stderr")
	cmd.Flags().StringArrayVar(&opts.flags, "flag", nil, "Extra flag passed to the CLI (repeatable)")
	return cmd
}

func (c *CLI) runExec(stdout, stderr io.Writer, prompt string, opts execOptions) error {
	container, closeFn, err := c.openContainer()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := opts.dir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	coord := container.Coordinator
	sess, err := coord.CreateSession(dir, nil)
	if err != nil {
		return err
	}
	defer coord.KillSession(sess.ID)

	streamed := make(chan struct{})
	sub, err := coord.SubscribeCommandOutput(sess.ID)
	if err != nil {
		return err
	}
	go func() {
		defer close(streamed)
		for chunk := range sub.C() {
			if chunk.Kind == sessiondomain.ChunkStderr && !opts.quiet {
				fmt.Fprint(stderr, gray(chunk.Data))
			}
			if chunk.IsFinal() {
				return
			}
		}
	}()

	started := time.Now()
	resp, err := coord.ExecuteCommand(ctx, coordinator.CommandRequest{
		Prompt:           prompt,
		SessionID:        sess.ID,
		WorkingDirectory: dir,
		Model:            opts.model,
		Flags:            opts.flags,
		Timeout:          opts.timeout,
	})
	sub.Close()
	<-streamed

	if resp != nil && resp.RunID != "" {
		defer fmt.Fprintln(stderr, gray(fmt.Sprintf("run %s · %s", resp.RunID, time.Since(started).Round(time.Millisecond))))
	}
	if err != nil {
		if resp != nil && resp.Error != nil && resp.Error.Recoverable {
			fmt.Fprintln(stderr, cyan("recoverable: retry with `switchboard runs retry "+resp.RunID+"`"))
		}
		return err
	}
	fmt.Fprintln(stdout, resp.InitialResponse)
	return nil
}
