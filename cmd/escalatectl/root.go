package main

import (
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/zylisp/escalate/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "escalatectl",
		Short: "Drive the escalation module and its helper from the command line",
		Long: `escalatectl runs the module side of an escalation check without a PAM
stack, and serves scripted helpers for testing the module.

Quick Start:
  escalatectl auth --user janedoe --helper /run/escalate.sock
  escalatectl mock-helper --script session.yaml --socket /tmp/escalate.sock`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "module configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newAuthCmd(opts),
		newMockHelperCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// logger writes to w at the configured level, or debug with --verbose.
func (o *rootOptions) logger(w io.Writer, cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		Prefix: "escalatectl",
		Level:  cfg.Level(),
	})
	if o.verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}
