package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SirClappington/invq/internal/app"
	"github.com/SirClappington/invq/internal/config"
	"github.com/SirClappington/invq/internal/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "invqctl",
		Short:         "Operate the invocation dispatch stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newEnqueueCmd(),
		newGetCmd(),
		newReconcileCmd(),
		newDepthCmd(),
	)
	return cmd
}

// withApp opens the configured backends for the duration of fn.
func withApp(ctx context.Context, fn func(a *app.App) error) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()
	return fn(a)
}
