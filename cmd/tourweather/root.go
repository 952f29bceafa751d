package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/config"
	"github.com/kjstillabower/tourweather/internal/observability"
)

// app carries state shared by every subcommand once PersistentPreRunE has run.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "tourweather",
		Short:         "Weather widget service for the tourism site",
		Long:          `Serves current conditions and a 24 hour forecast for the site's destinations, caching Open-Meteo responses in durable storage.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to configuration file (default: config/$ENV_NAME.yaml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (default: LOG_LEVEL or info)")

	cmd.AddCommand(newServeCmd(a), newFetchCmd(a), newLocationsCmd(a))
	return cmd
}

// init loads configuration and builds the logger. One-shot commands log at warn
// unless a level is given so stdout stays readable.
func (a *app) init(cmd *cobra.Command) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "config: %v\n", err)
		return err
	}

	level := a.logLevel
	if level == "" {
		level = a.cfg.LogLevel
	}
	format := a.cfg.LogFormat
	if cmd.Name() != "serve" {
		format = "console"
		if level == "" {
			level = "warn"
		}
	}
	a.logger, err = observability.NewLogger(level, format)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "logger: %v\n", err)
		return err
	}
	if a.cfg.Path == "" {
		a.logger.Info("no config file found, using defaults")
	} else {
		a.logger.Debug("config loaded", zap.String("path", a.cfg.Path))
	}
	return nil
}

// reportError prints err for the user and passes it through for the exit code.
func reportError(cmd *cobra.Command, err error) error {
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", strings.TrimSpace(err.Error()))
	}
	return err
}
