package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tradepost/backend/internal/app"
	"github.com/tradepost/backend/internal/config"
	mW "github.com/tradepost/backend/internal/middleware"
)

// withApp runs fn against a fully wired App and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, config.Load(), slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var (
		loop     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Process due async events",
		Long: `Runs one pass of the retry engine: stale claims are reclaimed, due
events are claimed and each is handled once. With --loop it keeps sweeping
until interrupted, which is how a dedicated worker process is run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if loop {
					if interval <= 0 {
						interval = a.Config.Delivery.SweepInterval
					}
					err := a.Events.Run(ctx, interval)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				res, err := a.Events.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "sweep interval (defaults to delivery.sweep_interval)")
	return cmd
}

func deadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List events that exhausted their attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				events, err := a.Events.DeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, events)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum events")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Give a failed or dead-lettered event a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				event, err := a.Events.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, event)
			})
		},
	}
}

func rotateSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret [store-id]",
		Short: "Issue a new signing secret for a store",
		Long: `Issues a new signing secret. The previous secret keeps verifying
requests for signing.rotation_grace. The new secret is printed once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Tenants.Get(ctx, args[0]); err != nil {
					return err
				}
				rot, err := a.Secrets.Rotate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, rot)
			})
		},
	}
}

func deactivateSecretsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate-secrets",
		Short: "Retire signing secrets whose grace window has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Secrets.DeactivateExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d secrets deactivated\n", n)
				return nil
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [account-id...]",
		Short: "Recompute balances from the transaction log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				inconsistent := 0
				for _, id := range args {
					report, err := a.Ledger.Verify(ctx, id)
					if err != nil {
						return fmt.Errorf("verify %s: %w", id, err)
					}
					if !report.Consistent {
						inconsistent++
					}
					if err := printJSON(cmd, report); err != nil {
						return err
					}
				}
				if inconsistent > 0 {
					return fmt.Errorf("%d of %d accounts inconsistent", inconsistent, len(args))
				}
				return nil
			})
		},
	})
	return cmd
}

func issueTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token [operator]",
		Short: "Mint an operator JWT for the admin API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.JWT.SecretKey == "" {
				return errors.New("JWT_SECRET_KEY is required")
			}
			token, err := mW.IssueOperatorToken(cfg.JWT.SecretKey, cfg.JWT.Issuer, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
