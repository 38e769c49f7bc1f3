package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanko-field/pos/internal/domain"
)

func newCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and refresh the local catalog cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the cached catalog snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, rootOpts, func(ctx context.Context, rt *Runtime) error {
				snapshot := rt.Catalog.Snapshot()
				return writeResult(cmd.OutOrStdout(), rootOpts.Format, snapshot, func(w io.Writer) error {
					return writeCatalogText(w, snapshot)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Fetch the catalog from the backend and persist it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, rootOpts, func(ctx context.Context, rt *Runtime) error {
				snapshot, err := rt.Catalog.Refresh(ctx, rt.Session)
				if err != nil {
					return WrapExitError(ExitFailure, "catalog refresh failed; cached snapshot kept", err)
				}
				return writeResult(cmd.OutOrStdout(), rootOpts.Format, snapshot, func(w io.Writer) error {
					return writeCatalogText(w, snapshot)
				})
			})
		},
	})
	return cmd
}

func writeCatalogText(w io.Writer, snapshot domain.CatalogSnapshot) error {
	fetched := "never"
	if !snapshot.FetchedAt.IsZero() {
		fetched = snapshot.FetchedAt.Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(w, "fetched %s: %d products, %d categories, %d payment methods\n",
		fetched, len(snapshot.Products), len(snapshot.Categories), len(snapshot.PaymentMethods))
	return err
}
