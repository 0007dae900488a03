package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zylisp/escalate"
	"github.com/zylisp/escalate/config"
	"github.com/zylisp/escalate/pam"
	"github.com/zylisp/escalate/pam/pamtest"
	"github.com/zylisp/escalate/pam/termconv"
)

type authOptions struct {
	user   string
	tty    string
	helper string
	codec  string
	addEnv []string
}

func newAuthCmd(root *rootOptions) *cobra.Command {
	opts := &authOptions{}

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Run one authentication against the helper",
		Long: `Run one authentication against the helper, answering its prompts on this
terminal. The resulting PAM status and environment are printed. The command
fails unless the status is PAM_SUCCESS.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.user, "user", "u", os.Getenv("USER"), "user to authenticate")
	cmd.Flags().StringVar(&opts.tty, "tty", "", "PAM_TTY item to announce")
	cmd.Flags().StringVar(&opts.helper, "helper", "", "helper address (overrides the configuration)")
	cmd.Flags().StringVar(&opts.codec, "codec", "", "wire format, msgpack or json (overrides the configuration)")
	cmd.Flags().StringSliceVar(&opts.addEnv, "add-env", nil, "process variables to import, as with add_env=")
	return cmd
}

func runAuth(cmd *cobra.Command, root *rootOptions, opts *authOptions) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}
	if opts.helper != "" {
		cfg.Helper = opts.helper
	}
	if opts.codec != "" {
		cfg.Codec = opts.codec
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	conv := termconv.New(cmd.InOrStdin(), cmd.OutOrStdout())
	handle := pamtest.NewHandle(opts.user, conv.Converse)
	if opts.tty != "" {
		if err := handle.SetItem(pam.ItemTTY, opts.tty); err != nil {
			return err
		}
	}

	var args []string
	if len(opts.addEnv) > 0 {
		args = append(args, "add_env="+strings.Join(opts.addEnv, ","))
	}

	m, err := escalate.New(handle, args,
		escalate.WithConfig(cfg),
		escalate.WithLogger(root.logger(cmd.ErrOrStderr(), cfg)),
	)
	if err != nil {
		return err
	}

	status := m.Authenticate(cmd.Context())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status: %s (%d)\n", status, int(status))
	env := handle.Env()
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s=%s\n", name, env[name])
	}

	if status != pam.Success {
		if err := m.Report().Err; err != nil {
			return fmt.Errorf("authentication returned %s: %w", status, err)
		}
		return fmt.Errorf("authentication returned %s", status)
	}
	return nil
}
