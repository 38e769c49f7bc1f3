// Package cli implements posctl, the operator tool for inspecting and replaying the offline
// order queue and the catalog cache of a terminal.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanko-field/pos/internal/app"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/platform/config"
	"github.com/hanko-field/pos/internal/services"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Queue is the subset of services.OfflineOrderQueue posctl drives.
type Queue interface {
	List(ctx context.Context) ([]domain.QueuedOrder, error)
	Drain(ctx context.Context) (services.DrainReport, error)
	Clear(ctx context.Context, confirm bool) (int, error)
}

// Catalog is the subset of services.LocalCatalogCache posctl drives.
type Catalog interface {
	Snapshot() domain.CatalogSnapshot
	Refresh(ctx context.Context, session domain.Session) (domain.CatalogSnapshot, error)
}

// Runtime is what a command operates on.
type Runtime struct {
	Queue   Queue
	Catalog Catalog
	Session domain.Session
	Close   func() error
}

// Opener builds a Runtime. Tests substitute their own.
type Opener func(ctx context.Context, opts *RootOptions) (*Runtime, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string
	EnvFile string

	open Opener
}

// NewRootCommand creates the posctl root command wired to the real terminal services.
func NewRootCommand() *cobra.Command {
	return newRootCommand(openRuntime)
}

func newRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "posctl",
		Short: "Operate a POS terminal's offline queue and catalog cache",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with terminal configuration")

	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newCatalogCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openRuntime loads configuration the same way the agent does and wires the services without
// the replay event publisher.
func openRuntime(ctx context.Context, opts *RootOptions) (*Runtime, error) {
	logger := zap.NewNop()
	if opts.Verbose {
		dev, err := zap.NewDevelopment()
		if err == nil {
			logger = dev
		}
	}

	envValues, err := config.EnvironmentValues(config.WithEnvFile(opts.EnvFile))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read environment", err)
	}
	fetcher, err := app.NewSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialise secrets", err)
	}
	cfg, err := config.Load(ctx, config.WithEnvFile(opts.EnvFile), config.WithSecretResolver(fetcher))
	if err != nil {
		_ = fetcher.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	agent, err := app.New(ctx, cfg, logger, app.WithUserAgent("posctl"), app.WithoutEvents())
	if err != nil {
		_ = fetcher.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open terminal services", err)
	}
	return &Runtime{
		Queue:   agent.Queue,
		Catalog: agent.Catalog,
		Session: agent.Session,
		Close: func() error {
			err := agent.Close()
			if ferr := fetcher.Close(); err == nil {
				err = ferr
			}
			_ = logger.Sync()
			return err
		},
	}, nil
}

func withRuntime(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, rt *Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := opts.open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rt.Close != nil {
			_ = rt.Close()
		}
	}()
	return fn(ctx, rt)
}
