package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mapmigrate/transfer-cli/internal/model"
)

var placesCmd = &cobra.Command{
	Use:   "places",
	Short: "Manage the saved-place catalog",
	Long:  "Commands for loading place packs into the store and inspecting them. Import-format parsing (CSV, Takeout) lives upstream; this loads the already-normalized JSON shape.",
}

// -- places load --

var placesLoadCmd = &cobra.Command{
	Use:   "load <file.json>",
	Short: "Load a JSON array of places into a pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		packID, _ := cmd.Flags().GetString("pack")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "places load: read file")
		}
		var places []model.Place
		if err := json.Unmarshal(data, &places); err != nil {
			return eris.Wrap(err, "places load: parse JSON")
		}
		if len(places) == 0 {
			return eris.New("places load: file holds no places")
		}

		for i := range places {
			places[i].PackID = packID
			if places[i].ID == "" {
				places[i].ID = uuid.NewString()
			}
		}

		n, err := st.UpsertPlaces(ctx, places)
		if err != nil {
			return eris.Wrap(err, "places load")
		}
		fmt.Fprintf(os.Stderr, "%d places loaded into pack %s\n", n, packID)
		return nil
	},
}

// -- places list --

var placesListCmd = &cobra.Command{
	Use:   "list <pack-id>",
	Short: "List the places in a pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		places, err := st.ListPlacesByPack(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "places list")
		}
		if len(places) == 0 {
			fmt.Fprintln(os.Stderr, "No places found.")
			return nil
		}

		formatPlacesList(os.Stdout, places)
		return nil
	},
}

func init() {
	placesLoadCmd.Flags().String("pack", "", "pack ID to load the places into")
	_ = placesLoadCmd.MarkFlagRequired("pack")

	placesCmd.AddCommand(placesLoadCmd)
	placesCmd.AddCommand(placesListCmd)
	rootCmd.AddCommand(placesCmd)
}

// formatPlacesList writes a tabular place listing to w.
func formatPlacesList(out io.Writer, places []model.Place) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tADDRESS\tCOORDS")
	for _, p := range places {
		coords := "-"
		if c, ok := p.Coord(); ok {
			coords = fmt.Sprintf("%.6f,%.6f", c[1], c[0])
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Address, coords)
	}
	_ = w.Flush()
}
