package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/present"
	"github.com/kjstillabower/tourweather/internal/validation"
)

type fetchOptions struct {
	location string
	units    string
	refresh  bool
	json     bool
	retries  int
}

func newFetchCmd(a *app) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch weather for one location and print it",
		Long: `Fetch current conditions and the hourly forecast for a location, serving a fresh
cached copy when there is one. --location and --units default to the saved
preferences; passing either saves the new selection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return reportError(cmd, runFetch(cmd, a, opts))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.location, "location", "l", "", "location id (see `tourweather locations`)")
	f.StringVarP(&opts.units, "units", "u", "", "metric or imperial")
	f.BoolVar(&opts.refresh, "refresh", false, "ignore the cache and call the forecast API")
	f.BoolVar(&opts.json, "json", false, "print the view as JSON")
	f.IntVar(&opts.retries, "retries", 1, "forecast API attempts")
	return cmd
}

func runFetch(cmd *cobra.Command, a *app, opts *fetchOptions) error {
	ctx := cmd.Context()
	c, err := build(ctx, a.cfg, a.logger, opts.retries)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.close(context.Background(), a.logger); err != nil {
			a.logger.Debug("close", zap.Error(err))
		}
	}()

	w := c.widget
	prefs := w.Preferences()
	locationID, units := prefs.LocationID, prefs.Units
	changed := false
	if cmd.Flags().Changed("location") {
		if locationID, err = validation.LocationID(opts.location); err != nil {
			return fmt.Errorf("--location: %w", err)
		}
		changed = true
	}
	if cmd.Flags().Changed("units") {
		if units, err = validation.Units(opts.units); err != nil {
			return fmt.Errorf("--units: %w", err)
		}
		changed = true
	}
	if _, known := c.registry.Lookup(locationID); !known {
		a.logger.Warn("unknown location, using default",
			zap.String("location", locationID),
			zap.String("default", c.registry.Default().ID))
	}
	if changed {
		if _, err := w.Select(ctx, locationID, units); err != nil {
			a.logger.Warn("selection not saved", zap.Error(err))
		}
	}

	res, err := w.Fetch(ctx, locationID, units, opts.refresh)
	if err != nil {
		return err
	}
	if !res.Persisted() {
		a.logger.Warn("weather cache not saved", zap.Error(res.PersistErr))
	}

	view := present.Build(res, a.cfg.HourlyLimit)
	out := cmd.OutOrStdout()
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	return present.Text(out, view)
}
