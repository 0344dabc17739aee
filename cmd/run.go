package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mapmigrate/transfer-cli/internal/batch"
	"github.com/mapmigrate/transfer-cli/internal/matching"
	"github.com/mapmigrate/transfer-cli/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a session for a pack and run matching",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		packID, _ := cmd.Flags().GetString("pack")
		userID, _ := cmd.Flags().GetString("user")
		tier, _ := cmd.Flags().GetString("tier")
		weightsPath, _ := cmd.Flags().GetString("weights-config")

		opts, err := loadWeights(weightsPath)
		if err != nil {
			return err
		}

		env, err := initMatchEnv(ctx, opts, printProgress)
		if err != nil {
			return err
		}
		defer env.Close()

		places, err := env.Store.ListPlacesByPack(ctx, packID)
		if err != nil {
			return eris.Wrap(err, "run: list pack places")
		}
		if len(places) == 0 {
			return eris.Errorf("run: pack %s holds no places (load them with `transfer-cli places load`)", packID)
		}

		sess, err := env.Sessions.Create(ctx, packID, userID, model.Tier(tier), len(places))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Session %s created: %d places\n", sess.ID, sess.TotalPlaces)

		return reportRun(env.Engine.Run(ctx, sess.ID), sess.ID)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session's matching run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		weightsPath, _ := cmd.Flags().GetString("weights-config")
		opts, err := loadWeights(weightsPath)
		if err != nil {
			return err
		}

		env, err := initMatchEnv(ctx, opts, printProgress)
		if err != nil {
			return err
		}
		defer env.Close()

		return reportRun(env.Engine.Run(ctx, args[0]), args[0])
	},
}

// loadWeights reads a scoring profile file, or returns the zero options so
// the environment falls back to config defaults.
func loadWeights(path string) (matching.Options, error) {
	if path == "" {
		return matching.Options{}, nil
	}
	return matching.LoadProfile(path)
}

// reportRun translates the engine's stop causes into operator guidance.
// Quota exhaustion and pause-on-error are expected outcomes of a run, not
// command failures.
func reportRun(err error, sessionID string) error {
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "Matching complete; session %s is ready for verification.\n", sessionID)
		return nil
	case errors.Is(err, batch.ErrDailyCapExhausted):
		fmt.Fprintf(os.Stderr, "Daily quota exhausted; session %s paused. Resume after the UTC day rolls over.\n", sessionID)
		return nil
	case errors.Is(err, batch.ErrPausedOnError):
		fmt.Fprintf(os.Stderr, "Session %s paused after a place failed; fix the cause and resume.\n", sessionID)
		return nil
	default:
		return err
	}
}

// printProgress writes one status line per batch boundary.
func printProgress(p batch.ProcessingProgress) {
	fmt.Fprintf(os.Stderr, "[batch %d/%d] %s: %d/%d places, %d matched, %d failed, %.1f places/s, ~%ds left\n",
		p.CurrentBatch, p.TotalBatches, p.CurrentOperation,
		p.ProcessedPlaces, p.TotalPlaces,
		p.SuccessfulMatches, p.FailedMatches,
		p.ProcessingRate, p.EstimatedTimeRemaining,
	)
}

func init() {
	runCmd.Flags().String("pack", "", "pack ID holding the places to transfer")
	runCmd.Flags().String("user", "", "user ID the quota is booked against")
	runCmd.Flags().String("tier", "free", "subscription tier (free, premium)")
	runCmd.Flags().String("weights-config", "", "YAML scoring profile (overrides config weights)")
	_ = runCmd.MarkFlagRequired("pack")
	_ = runCmd.MarkFlagRequired("user")

	resumeCmd.Flags().String("weights-config", "", "YAML scoring profile (overrides config weights)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}
