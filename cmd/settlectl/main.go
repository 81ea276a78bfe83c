package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tradepost/backend/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "settlectl",
		Short:   "Operator tooling for the settlement service",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.Init()
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cobra.OnInitialize(func() {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	})

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(deadLettersCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(rotateSecretCmd())
	rootCmd.AddCommand(deactivateSecretsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(issueTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
