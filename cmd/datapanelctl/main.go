// Command datapanelctl is the operator CLI: key generation and one-off
// reconciliation of an account's provider sessions.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ericfisherdev/mydatapanel/internal/adapter/driven/secretbox"
	"github.com/ericfisherdev/mydatapanel/internal/config"
	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/wiring"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "datapanelctl",
		Short:        "Operator tooling for mydatapanel",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log provider calls to stderr")

	root.AddCommand(newKeygenCmd(), newReconcileCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh base64 secret key for MYDATAPANEL_SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secretbox.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile every provider session of one account and print the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := wiring.Build(ctx, cfg, nil, slog.Default())
			if err != nil {
				return err
			}
			defer app.Close()

			return reconcile(ctx, app, email, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func reconcile(ctx context.Context, app *wiring.App, email string, out io.Writer) error {
	acct, err := app.Accounts.GetByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("load account %q: %w", email, err)
	}

	results, err := app.Reconciler.ReconcileAll(ctx, &acct)
	if err != nil {
		// Results are still accurate for this run.
		slog.Error("failed to persist reconciliation", "error", err)
	}
	return printResults(out, results)
}

func printResults(out io.Writer, results model.Reconciliation) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATE\tREFRESHED\tERROR")
	for _, p := range model.AllProviders {
		res, ok := results[p]
		if !ok {
			res = model.ReconciliationResult{State: model.SessionStateNotLinked}
		}
		msg := "-"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p, res.State, res.Refreshed, msg)
	}
	return tw.Flush()
}
