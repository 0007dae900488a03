package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zylisp/escalate/protocol"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "escalatectl %s (commit: %s, protocol: %d)\n", version, commit, protocol.Version)
		},
	}
}
