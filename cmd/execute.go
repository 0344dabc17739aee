package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/transfer"
)

var executeCmd = &cobra.Command{
	Use:   "execute <session-id>",
	Short: "Generate deep links for accepted and manual records",
	Long:  "Turns every accepted or manually overridden match record into a target-service deep link. Per-item data failures are reported, not fatal; a zero-failure pass completes the session.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		target, _ := cmd.Flags().GetString("target")
		generateOnly, _ := cmd.Flags().GetBool("generate-only")
		open, _ := cmd.Flags().GetBool("open")
		if target == "" {
			target = cfg.Transfer.Target
		}
		if !cmd.Flags().Changed("open") {
			open = cfg.Transfer.OpenBrowser
		}

		result, err := transfer.NewExecutor(st).Execute(ctx, args[0], transfer.ExecuteOptions{
			TargetService: model.TargetService(target),
			OpenInBrowser: open,
			GenerateOnly:  generateOnly,
		})
		if err != nil {
			return eris.Wrap(err, "execute")
		}

		for _, u := range result.GeneratedURLs {
			fmt.Fprintln(os.Stdout, u.URL)
		}
		fmt.Fprintf(os.Stderr, "%d transferred, %d failed\n", result.SuccessfulTransfers, result.FailedTransfers)
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", e.PlaceID, e.Error)
		}
		return nil
	},
}

func init() {
	executeCmd.Flags().String("target", "", "target map service (google, apple; default from config)")
	executeCmd.Flags().Bool("generate-only", false, "generate URLs without opening them")
	executeCmd.Flags().Bool("open", true, "open each generated URL in the browser")
	rootCmd.AddCommand(executeCmd)
}
