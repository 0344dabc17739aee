package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/model"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect or clear a user's rate-limit counters",
}

// -- quota show --

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current usage against the tier caps",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		limiter, closeLimiter, err := initLimiter(ctx)
		if err != nil {
			return err
		}
		defer closeLimiter()

		userID, _ := cmd.Flags().GetString("user")
		tier := model.Tier(mustString(cmd, "tier"))

		day, minute, err := limiter.Usage(ctx, tier, userID)
		if err != nil {
			return eris.Wrap(err, "quota show")
		}

		g := guardrails.ForTier(tier)
		fmt.Fprintf(os.Stdout, "Daily:  %d/%d\nMinute: %d/%d\n", day, g.DailyCap, minute, g.PerMinuteCap)
		return nil
	},
}

// -- quota reset --

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear both counter windows for a user (administrative)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		limiter, closeLimiter, err := initLimiter(ctx)
		if err != nil {
			return err
		}
		defer closeLimiter()

		userID, _ := cmd.Flags().GetString("user")
		tier := model.Tier(mustString(cmd, "tier"))

		if err := limiter.Reset(ctx, tier, userID); err != nil {
			return eris.Wrap(err, "quota reset")
		}
		fmt.Fprintf(os.Stderr, "Counters cleared for %s (%s).\n", userID, tier)
		return nil
	},
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func init() {
	for _, c := range []*cobra.Command{quotaShowCmd, quotaResetCmd} {
		c.Flags().String("user", "", "user ID")
		c.Flags().String("tier", "free", "subscription tier (free, premium)")
		_ = c.MarkFlagRequired("user")
	}

	quotaCmd.AddCommand(quotaShowCmd)
	quotaCmd.AddCommand(quotaResetCmd)
	rootCmd.AddCommand(quotaCmd)
}
