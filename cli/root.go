// Package cli provides the command-line interface of the feedback daemon.
//
// Command Structure:
//
//	feedback [--config FILE] [--log-level LEVEL]
//	  ├── serve                      run the HTTP control plane, janitor and progress bridge
//	  └── config
//	      ├── export [-o FILE]       print or write the effective escalation layers
//	      ├── import FILE            store a snapshot file as a profile
//	      ├── resolve                print the thresholds for a type/component scope
//	      └── profiles [rm NAME]     list or delete stored profiles
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (FEEDBACK_ prefix)
//  3. Configuration file values
//  4. Default values
//
// Example Usage:
//
//	# Start the daemon with a configuration file
//	feedback serve --config /etc/feedback/config.yaml
//
//	# Show what a network operation in the file panel would use
//	feedback config resolve --type network --component file-panel
package cli

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"feedback.evalgo.org/common"
	"feedback.evalgo.org/config"
)

// EnvPrefix is the environment variable prefix of every configuration key.
const EnvPrefix = "FEEDBACK"

// RootCmd is the entry point used by main.
var RootCmd = NewRootCmd()

// options is shared by every subcommand. It is filled by the root
// command's PersistentPreRunE before any subcommand runs.
type options struct {
	cfgFile  string
	logLevel string

	cfg    *config.Config
	loader *config.Loader
	logger *logrus.Logger
}

// NewRootCmd builds a fresh command tree. Tests use it to get isolated flag
// state.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "progressive operation feedback daemon",
		Long: `Feedback tracks long-running operations and decides how visibly each one
should be surfaced: not at all, inline, as an overlay, or as a modal.

The daemon exposes the operation registry and the escalation configuration
over HTTP, streams operation changes as server-sent events, and can relay
progress published by an external host over Redis or RabbitMQ.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "",
		"config file (default searches ./config.yaml, ./configs, $HOME/.feedback, /etc/feedback)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"log level override (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

func (o *options) load() error {
	cfg, loader, err := config.LoadWithLoader(EnvPrefix, o.cfgFile)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	o.cfg = cfg
	o.loader = loader
	o.logger = common.Configure(common.LoggerConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		Service:    cfg.Service.Name,
		Version:    cfg.Service.Version,
		TimeFormat: time.RFC3339,
	})

	if file := loader.ConfigFile(); file != "" {
		o.logger.WithField("file", file).Debug("Using config file")
	}
	return nil
}
