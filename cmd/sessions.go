package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/session"
	"github.com/mapmigrate/transfer-cli/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and control transfer sessions",
	Long:  "Commands for listing sessions, viewing progress, and pausing or resetting a run.",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transfer sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		userID, _ := cmd.Flags().GetString("user")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			UserID: userID,
			Status: model.SessionStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show full details of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sess, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

// -- sessions progress --

var sessionsProgressCmd = &cobra.Command{
	Use:   "progress <session-id>",
	Short: "Show live progress and verification counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		progress, err := session.NewService(st).Progress(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions progress")
		}

		formatSessionProgress(os.Stdout, progress)
		return nil
	},
}

// -- sessions pause --

var sessionsPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a processing session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := session.NewService(st).Pause(ctx, args[0]); err != nil {
			return eris.Wrap(err, "sessions pause")
		}
		fmt.Fprintf(os.Stderr, "Session %s paused. In-flight calls finish; resume with `transfer-cli resume`.\n", args[0])
		return nil
	},
}

// -- sessions resume --

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session's matching run",
	Long:  "Alias of the top-level resume command: restarts processing from the first place without a match record.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resumeCmd.RunE(cmd, args)
	},
}

// -- sessions reset --

var sessionsResetCmd = &cobra.Command{
	Use:   "reset <session-id>",
	Short: "Zero a session's progress counters (administrative)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := session.NewService(st).ResetProgress(ctx, args[0]); err != nil {
			return eris.Wrap(err, "sessions reset")
		}
		fmt.Fprintf(os.Stderr, "Session %s counters reset.\n", args[0])
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().String("user", "", "filter by user ID")
	sessionsListCmd.Flags().String("status", "", "filter by status (pending, processing, verifying, paused, completed, failed)")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsResumeCmd.Flags().String("weights-config", "", "YAML scoring profile (overrides config weights)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsProgressCmd)
	sessionsCmd.AddCommand(sessionsPauseCmd)
	sessionsCmd.AddCommand(sessionsResumeCmd)
	sessionsCmd.AddCommand(sessionsResetCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// formatSessionsList writes a tabular list of sessions to w.
func formatSessionsList(out io.Writer, sessions []model.TransferPackSession) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPACK\tTIER\tSTATUS\tPROCESSED\tVERIFIED\tCOMPLETED\tERRORS\tCREATED")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\n",
			s.ID, s.PackID, s.Tier, s.Status,
			s.ProcessedPlaces, s.TotalPlaces,
			s.VerifiedPlaces, s.CompletedPlaces, s.ErrorCount,
			s.CreatedAt.Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}

// formatSessionProgress writes the progress view as a two-column table.
func formatSessionProgress(out io.Writer, p *model.SessionProgress) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Session\t%s\n", p.SessionID)
	_, _ = fmt.Fprintf(w, "Status\t%s\n", p.Status)
	_, _ = fmt.Fprintf(w, "Places\t%d/%d processed\n", p.ProcessedPlaces, p.TotalPlaces)
	_, _ = fmt.Fprintf(w, "Verified\t%d\n", p.VerifiedPlaces)
	_, _ = fmt.Fprintf(w, "Completed\t%d\n", p.CompletedPlaces)
	_, _ = fmt.Fprintf(w, "API calls\t%d\n", p.APICallsUsed)
	_, _ = fmt.Fprintf(w, "Processing time\t%s\n", (time.Duration(p.ProcessingTimeMs) * time.Millisecond).Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Errors\t%d\n", p.ErrorCount)
	_, _ = fmt.Fprintf(w, "Records\t%d pending / %d accepted / %d rejected / %d manual (%d total)\n",
		p.PendingRecords, p.AcceptedRecords, p.RejectedRecords, p.ManualRecords, p.TotalRecords)
	_ = w.Flush()
}
