// Package main provides the foreman binary entry point. Foreman is the
// task-execution backbone of an LLM-driven development pipeline: it
// persists project plans, schedules ready tasks onto durable streams,
// ingests worker results and pushes board updates in real time.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/foreman/config"
)

const (
	Version = "0.1.0"
	appName = "foreman"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Foreman orchestrates LLM worker agents over durable streams",
		Long: `Foreman runs the task-execution backbone of an LLM development
pipeline: the PM scheduling loops, the dispatcher, the result ingester
and the real-time board, backed by a relational store and Redis Streams.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInitStreamsCmd())
	rootCmd.AddCommand(newMintTokenCmd())
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the foreman version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), appName, Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newMintTokenCmd() *cobra.Command {
	var name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Create a single-use worker registration token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := newApp(cfg, newLogger())
			if err != nil {
				return err
			}
			defer app.Close()

			token, err := app.registry.MintToken(cmd.Context(), name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}
