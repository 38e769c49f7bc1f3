package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanko-field/pos/internal/services"
)

func newQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay orders captured while offline",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueDrainCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued orders, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *Runtime) error {
				orders, err := rt.Queue.List(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list queue", err)
				}
				return writeResult(cmd.OutOrStdout(), opts.Format, orders, func(w io.Writer) error {
					if len(orders) == 0 {
						_, err := fmt.Fprintln(w, "queue is empty")
						return err
					}
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "TOKEN\tCREATED\tCASHIER\tITEMS\tRETRIES\tLAST ERROR")
					for _, order := range orders {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
							order.Token,
							order.CreatedAt.Format(time.RFC3339),
							order.Payload.CashierID,
							len(order.Payload.Items),
							order.RetryCount,
							order.LastError,
						)
					}
					return tw.Flush()
				})
			})
		},
	}
}

type drainOutput struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	Failures  []drainFailed `json:"failures,omitempty"`
}

type drainFailed struct {
	Token      string `json:"token"`
	RetryCount int    `json:"retryCount"`
	Error      string `json:"error"`
}

func newQueueDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay every queued order now",
		Long: `Replay every queued order against the backend, oldest first.

Exit codes:
  0 - every attempted order was accepted
  1 - at least one order failed and is still queued
  2 - another process is draining, or the terminal could not be opened`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *Runtime) error {
				report, err := rt.Queue.Drain(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "drain failed", err)
				}
				out := drainOutput{
					Attempted: report.Attempted,
					Succeeded: report.Succeeded,
					Failed:    report.Failed,
					Remaining: report.Remaining,
				}
				for _, replayErr := range report.Errors {
					out.Failures = append(out.Failures, drainFailed{Token: replayErr.Token, RetryCount: replayErr.RetryCount, Error: replayErr.Err.Error()})
				}
				if err := writeResult(cmd.OutOrStdout(), opts.Format, out, func(w io.Writer) error {
					return writeDrainText(w, report)
				}); err != nil {
					return err
				}
				if report.Failed > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d queued order(s) failed to replay", report.Failed))
				}
				return nil
			})
		},
	}
}

func writeDrainText(w io.Writer, report services.DrainReport) error {
	if _, err := fmt.Fprintf(w, "attempted %d, succeeded %d, failed %d, remaining %d\n",
		report.Attempted, report.Succeeded, report.Failed, report.Remaining); err != nil {
		return err
	}
	for _, replayErr := range report.Errors {
		if _, err := fmt.Fprintf(w, "  %s (attempt %d): %v\n", replayErr.Token, replayErr.RetryCount, replayErr.Err); err != nil {
			return err
		}
	}
	return nil
}

func newQueueClearCommand(opts *RootOptions) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued order",
		Long:  "Discard every queued order. Discarded sales are lost; requires --confirm.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return NewExitError(ExitCommandError, "refusing to clear the queue without --confirm")
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *Runtime) error {
				cleared, err := rt.Queue.Clear(ctx, true)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to clear queue", err)
				}
				return writeResult(cmd.OutOrStdout(), opts.Format, map[string]int{"cleared": cleared}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "cleared %d queued order(s)\n", cleared)
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm that queued orders should be discarded")
	return cmd
}
