package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/store"
	"github.com/mapmigrate/transfer-cli/internal/verification"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Review match records",
	Long:  "Commands for accepting, rejecting, and manually overriding match records, singly or in bulk.",
}

// -- verify list --

var verifyListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List a session's match records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		level, _ := cmd.Flags().GetString("level")

		records, err := st.ListMatchRecords(ctx, store.RecordFilter{
			SessionID: args[0],
			Status:    model.VerificationStatus(status),
			Level:     model.ConfidenceLevel(level),
		})
		if err != nil {
			return eris.Wrap(err, "verify list")
		}

		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No match records found.")
			return nil
		}

		formatRecordsList(os.Stdout, records)
		return nil
	},
}

// -- verify accept / reject --

var verifyAcceptCmd = &cobra.Command{
	Use:   "accept <record-id>",
	Short: "Accept one match record",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runVerdict(cmd, args[0], true) },
}

var verifyRejectCmd = &cobra.Command{
	Use:   "reject <record-id>",
	Short: "Reject one match record",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runVerdict(cmd, args[0], false) },
}

func runVerdict(cmd *cobra.Command, recordID string, accept bool) error {
	ctx := cmd.Context()

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	by, _ := cmd.Flags().GetString("by")
	notes, _ := cmd.Flags().GetString("notes")

	svc := verification.NewService(st)
	if accept {
		err = svc.Accept(ctx, recordID, by, notes)
	} else {
		err = svc.Reject(ctx, recordID, by, notes)
	}
	if err != nil {
		return eris.Wrap(err, "verify verdict")
	}
	return nil
}

// -- verify bulk-accept / bulk-reject --

var verifyBulkAcceptCmd = &cobra.Command{
	Use:   "bulk-accept <session-id>",
	Short: "Accept a set of match records in one atomic update",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runBulkVerdict(cmd, args[0], true) },
}

var verifyBulkRejectCmd = &cobra.Command{
	Use:   "bulk-reject <session-id>",
	Short: "Reject a set of match records in one atomic update",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runBulkVerdict(cmd, args[0], false) },
}

func runBulkVerdict(cmd *cobra.Command, sessionID string, accept bool) error {
	ctx := cmd.Context()

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	ids, _ := cmd.Flags().GetStringSlice("ids")
	by, _ := cmd.Flags().GetString("by")
	if len(ids) == 0 {
		return eris.New("verify: --ids is required")
	}

	svc := verification.NewService(st)
	var n int
	if accept {
		n, err = svc.BulkAccept(ctx, sessionID, ids, by)
	} else {
		n, err = svc.BulkReject(ctx, sessionID, ids, by)
	}
	if err != nil {
		return eris.Wrap(err, "verify bulk verdict")
	}
	fmt.Fprintf(os.Stderr, "%d records updated.\n", n)
	return nil
}

// -- verify manual --

var verifyManualCmd = &cobra.Command{
	Use:   "manual <record-id>",
	Short: "Override a record with a manually chosen place",
	Long:  "Records the search query and the chosen replacement candidate and forces the record to manual status.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		query, _ := cmd.Flags().GetString("query")
		candidateJSON, _ := cmd.Flags().GetString("candidate-json")
		by, _ := cmd.Flags().GetString("by")

		candidate, err := readCandidate(candidateJSON)
		if err != nil {
			return err
		}

		if err := verification.NewService(st).SetManualSearchData(ctx, args[0], query, candidate, by); err != nil {
			return eris.Wrap(err, "verify manual")
		}
		return nil
	},
}

// readCandidate parses a NormalizedCandidate from inline JSON or, with a
// leading @, from a file.
func readCandidate(arg string) (*model.NormalizedCandidate, error) {
	if arg == "" {
		return nil, eris.New("verify: --candidate-json is required")
	}

	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, eris.Wrap(err, "verify: read candidate file")
		}
	}

	var c model.NormalizedCandidate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "verify: parse candidate JSON")
	}
	return &c, nil
}

// -- verify accept-high --

var verifyAcceptHighCmd = &cobra.Command{
	Use:   "accept-high <session-id>",
	Short: "Accept every pending high-confidence record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		by, _ := cmd.Flags().GetString("by")

		n, err := verification.NewService(st).AcceptAllHighConfidence(ctx, args[0], by)
		if err != nil {
			return eris.Wrap(err, "verify accept-high")
		}
		fmt.Fprintf(os.Stderr, "%d high-confidence records accepted.\n", n)
		return nil
	},
}

// -- verify export --

var verifyExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session's records to an xlsx review sheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		out, _ := cmd.Flags().GetString("out")

		n, err := verification.NewService(st).ExportReviewSheet(ctx, args[0], out)
		if err != nil {
			return eris.Wrap(err, "verify export")
		}
		fmt.Fprintf(os.Stderr, "%d records written to %s\n", n, out)
		return nil
	},
}

func init() {
	verifyListCmd.Flags().String("status", "", "filter by verification status (pending, accepted, rejected, manual)")
	verifyListCmd.Flags().String("level", "", "filter by confidence level (high, medium, low)")

	for _, c := range []*cobra.Command{verifyAcceptCmd, verifyRejectCmd} {
		c.Flags().String("by", "", "reviewer identity recorded on the verdict")
		c.Flags().String("notes", "", "optional review notes")
	}
	for _, c := range []*cobra.Command{verifyBulkAcceptCmd, verifyBulkRejectCmd} {
		c.Flags().StringSlice("ids", nil, "record IDs to update")
		c.Flags().String("by", "", "reviewer identity recorded on the verdict")
	}

	verifyManualCmd.Flags().String("query", "", "search query that located the replacement place")
	verifyManualCmd.Flags().String("candidate-json", "", "chosen candidate as JSON, or @file")
	verifyManualCmd.Flags().String("by", "", "reviewer identity recorded on the verdict")
	_ = verifyManualCmd.MarkFlagRequired("candidate-json")

	verifyAcceptHighCmd.Flags().String("by", "", "reviewer identity recorded on the verdict")

	verifyExportCmd.Flags().String("out", "review.xlsx", "output xlsx path")

	verifyCmd.AddCommand(verifyListCmd)
	verifyCmd.AddCommand(verifyAcceptCmd)
	verifyCmd.AddCommand(verifyRejectCmd)
	verifyCmd.AddCommand(verifyBulkAcceptCmd)
	verifyCmd.AddCommand(verifyBulkRejectCmd)
	verifyCmd.AddCommand(verifyManualCmd)
	verifyCmd.AddCommand(verifyAcceptHighCmd)
	verifyCmd.AddCommand(verifyExportCmd)
	rootCmd.AddCommand(verifyCmd)
}

// formatRecordsList writes a tabular list of match records to w.
func formatRecordsList(out io.Writer, records []model.PlaceMatchRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPLACE\tCANDIDATE\tSCORE\tLEVEL\tSTATUS")
	for _, r := range records {
		candidate := "-"
		if t := r.EffectiveTarget(); t != nil && t.Name != "" {
			candidate = t.Name
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.OriginalPlaceID, candidate,
			r.ConfidenceScore, r.ConfidenceLevel, r.VerificationStatus,
		)
	}
	_ = w.Flush()
}
