package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newHarvestCmd creates the 'harvest' subcommand, a one-shot batch run over
// the enabled providers.
func newHarvestCmd() *cobra.Command {
	var providerID string

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Runs one harvest saga per enabled provider and exits",
		Long: `Discovers, fetches, fingerprints, extracts, normalizes, and persists
recipes for every enabled provider (or a single provider via --provider).
Interrupting the run pauses in-flight sagas at their last checkpoint so a
later run can resume them.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := resolveHost(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer func() {
				if cerr := h.Close(context.WithoutCancel(ctx)); cerr != nil {
					h.Logger().Warn("shutdown incomplete", zap.Error(cerr))
				}
			}()

			if providerID != "" {
				correlationID, err := h.Orchestrator().StartProcessing(ctx, providerID)
				if correlationID != "" {
					h.Logger().Info("harvest finished",
						zap.String("provider", providerID),
						zap.String("correlation_id", correlationID),
					)
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("harvest %s: %w", providerID, err)
				}
				return nil
			}

			results, err := h.HarvestAll(ctx)
			for provider, correlationID := range results {
				h.Logger().Info("harvest finished",
					zap.String("provider", provider),
					zap.String("correlation_id", correlationID),
				)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("harvest: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&providerID, "provider", "", "harvest a single provider instead of all enabled providers")
	return cmd
}
