// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/platefeed/recipe-harvester/internal/config"
	"github.com/platefeed/recipe-harvester/internal/host"
)

var cfgFile string

// hostKeyType is the key for storing the Host in the command context.
type hostKeyType string

const hostKey hostKeyType = "host"

// newHost is the host factory. It's a variable so tests can replace it with
// a factory returning a host wired to in-memory backends.
var newHost = func(ctx context.Context, cfg config.Config) (*host.Host, error) {
	return host.New(ctx, cfg)
}

// newRootCmd creates and configures the root command. Configuration is
// loaded and the service host built before any subcommand runs.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Provider-aware recipe harvesting pipeline.",
		Long: `harvester crawls configured recipe providers, fingerprints their
content, extracts and normalizes recipes, and persists the results. It can
run as a long-lived HTTP service or as a one-shot batch harvest.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			h, err := newHost(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), hostKey, h))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default uses built-in defaults and HARVESTER_* env vars)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHarvestCmd())

	return cmd
}

func resolveHost(ctx context.Context) (*host.Host, error) {
	h, ok := ctx.Value(hostKey).(*host.Host)
	if !ok || h == nil {
		return nil, fmt.Errorf("services not initialized")
	}
	return h, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
