package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/domain/run"
	serrors "switchboard/internal/shared/errors"
	jsonx "switchboard/internal/shared/json"
)

func newRunsCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and retry run records",
	}
	cmd.AddCommand(newRunsListCommand(cli), newRunsGetCommand(cli), newRunsRetryCommand(cli))
	return cmd
}

func newRunsListCommand(cli *CLI) *cobra.Command {
	var (
		status string
		filter run.ListFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				filter.Status = run.Status(strings.ToUpper(status))
				if !filter.Status.Valid() {
					return serrors.New(serrors.KindValidation, "unknown status %q", status)
				}
			}
			container, closeFn, err := cli.openContainer()
			if err != nil {
				return err
			}
			defer closeFn()
			runs, total, err := container.Runs.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printRunTable(cmd.OutOrStdout(), runs)
			fmt.Fprintln(cmd.ErrOrStderr(), gray(fmt.Sprintf("%d of %d runs", len(runs), total)))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: queued, running, success, failed")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "Filter by session id")
	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "Filter by batch id")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "Maximum runs to show")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Skip this many runs")
	return cmd
}

func printRunTable(w io.Writer, runs []*run.AgentRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tDURATION\tREPOSITORY\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.DurationMs != nil {
			duration = (time.Duration(*r.DurationMs) * time.Millisecond).String()
		}
		errCode := ""
		if r.Error != nil {
			errCode = r.Error.Code
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, statusLabel(r.Status), r.StartedAt.Local().Format(time.DateTime), duration, r.Repository, errCode)
	}
	_ = tw.Flush()
}

func statusLabel(s run.Status) string {
	switch s {
	case run.StatusSuccess:
		return green(string(s))
	case run.StatusFailed:
		return red(string(s))
	default:
		return cyan(string(s))
	}
}

func newRunsGetCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Print a run record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, closeFn, err := cli.openContainer()
			if err != nil {
				return err
			}
			defer closeFn()
			record, err := container.Runs.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}
}

func newRunsRetryCommand(cli *CLI) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Re-execute a failed run and wait for its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, closeFn, err := cli.openContainer()
			if err != nil {
				return err
			}
			defer closeFn()

			coord := container.Coordinator
			retry, err := coord.RetryAgentRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), gray(fmt.Sprintf("retrying %s as %s (attempt %d)", args[0], retry.ID, retry.RetryCount)))

			sub, err := coord.SubscribeRunProgress(retry.ID)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			for done := false; !done; {
				select {
				case ev, ok := <-sub.C():
					if !ok {
						done = true
						break
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %3.0f%% %s\n", gray(ev.Timestamp.Format(time.TimeOnly)), ev.Percentage, ev.Stage)
				case <-ctx.Done():
					coord.CancelRun(context.Background(), retry.ID)
					return serrors.Wrap(serrors.KindTimeout, ctx.Err(), "waiting for retry "+retry.ID)
				}
			}

			record, err := coord.GetRun(context.Background(), retry.ID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), record); err != nil {
				return err
			}
			if record.Status != run.StatusSuccess && record.Error != nil {
				return serrors.New(serrors.Kind(record.Error.Code), "%s", record.Error.Message)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Hour, "Give up waiting after this long")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
