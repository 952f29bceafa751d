package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/cache"
	"github.com/kjstillabower/tourweather/internal/models"
	"github.com/kjstillabower/tourweather/internal/store"
)

func newLocationsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "List the known locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := buildRegistry(a.cfg)
			if err != nil {
				return reportError(cmd, err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reg.All())
			}

			// The saved selection is marked when storage is reachable; listing works without it.
			selected, units := "", models.Metric
			if st, err := store.Open(cmd.Context(), storeConfig(a.cfg)); err == nil {
				if prefs, err := cache.LoadPreferences(cmd.Context(), st); err == nil {
					selected, units = prefs.LocationID, prefs.Units
				}
				_ = st.Close()
			} else {
				a.logger.Debug("storage unavailable", zap.Error(err))
			}
			if _, ok := reg.Lookup(selected); !ok {
				selected = reg.Default().ID
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLATITUDE\tLONGITUDE\t")
			for _, loc := range reg.All() {
				marker := ""
				if loc.ID == selected {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s%s\t%s\t%.4f\t%.4f\t\n", loc.ID, marker, loc.DisplayName, loc.Latitude, loc.Longitude)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "\n* selected, units %s\n", units)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
