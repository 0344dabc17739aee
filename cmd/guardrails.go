package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mapmigrate/transfer-cli/internal/guardrails"
	"github.com/mapmigrate/transfer-cli/internal/model"
)

var guardrailsCmd = &cobra.Command{
	Use:   "guardrails [tier]",
	Short: "Show the automation limits per subscription tier",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tiers := []model.Tier{model.TierFree, model.TierPremium}
		if len(args) == 1 {
			tiers = []model.Tier{model.Tier(args[0])}
		}
		formatGuardrails(os.Stdout, tiers)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(guardrailsCmd)
}

// formatGuardrails writes one column per tier.
func formatGuardrails(out io.Writer, tiers []model.Tier) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprint(w, "LIMIT")
	for _, t := range tiers {
		_, _ = fmt.Fprintf(w, "\t%s", t)
	}
	_, _ = fmt.Fprintln(w)

	rows := []struct {
		label string
		value func(guardrails.Guardrails) string
	}{
		{"Places per session", func(g guardrails.Guardrails) string { return fmt.Sprint(g.MaxPlacesPerSession) }},
		{"Concurrency", func(g guardrails.Guardrails) string { return fmt.Sprint(g.MaxConcurrency) }},
		{"Batch size", func(g guardrails.Guardrails) string { return fmt.Sprint(g.MaxBatchSize) }},
		{"Retry attempts", func(g guardrails.Guardrails) string { return fmt.Sprint(g.MaxRetryAttempts) }},
		{"Pause on error", func(g guardrails.Guardrails) string { return fmt.Sprint(g.PauseOnError) }},
		{"Daily call cap", func(g guardrails.Guardrails) string { return fmt.Sprint(g.DailyCap) }},
		{"Per-minute call cap", func(g guardrails.Guardrails) string { return fmt.Sprint(g.PerMinuteCap) }},
	}
	for _, row := range rows {
		_, _ = fmt.Fprint(w, row.label)
		for _, t := range tiers {
			_, _ = fmt.Fprintf(w, "\t%s", row.value(guardrails.ForTier(t)))
		}
		_, _ = fmt.Fprintln(w)
	}
	_ = w.Flush()
}
