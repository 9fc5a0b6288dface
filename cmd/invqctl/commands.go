package main

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/invq/internal/app"
	"github.com/SirClappington/invq/internal/config"
	"github.com/SirClappington/invq/internal/dispatch"
	"github.com/SirClappington/invq/internal/domain"
	"github.com/SirClappington/invq/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply record store migrations to POSTGRES_DSN",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			if cfg.PostgresDSN == "" {
				return errors.New("POSTGRES_DSN is not set")
			}
			return errors.Wrap(storage.Migrate(cmd.Context(), cfg.PostgresDSN), "migrate")
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	var (
		job     string
		source  string
		payload string
		delay   time.Duration
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create an invocation and enqueue it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("--payload must be valid JSON")
				}
				raw = json.RawMessage(payload)
			}
			inv := domain.NewInvocation(job, raw)
			inv.Source = source

			opts := []dispatch.EnqueueOption{dispatch.WithVisibilityDelay(delay)}
			if ttl > 0 {
				opts = append(opts, dispatch.WithTTL(ttl))
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Dispatcher.Enqueue(cmd.Context(), inv, opts...); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), inv)
			})
		},
	}

	cmd.Flags().StringVar(&job, "job", "", "Job name (required)")
	cmd.Flags().StringVar(&source, "source", "invqctl", "Producer recorded on the invocation")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload passed to the job")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Keep the message hidden for this long")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Expire the message if not acknowledged in time (0 = never)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <invocation-id>",
		Short: "Print an invocation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "invalid invocation id")
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				inv, err := a.Dispatcher.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), inv)
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one sweep that re-drives invocations stuck in queuing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Sweeper().RunOnce(cmd.Context())
				if werr := writeJSON(cmd.OutOrStdout(), map[string]int{"redriven": n}); werr != nil {
					return werr
				}
				return err
			})
		},
	}
}

func newDepthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depth",
		Short: "Print how many messages the channel holds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Dispatcher.Depth(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"queue": a.Config.QueueName, "depth": n})
			})
		},
	}
}
