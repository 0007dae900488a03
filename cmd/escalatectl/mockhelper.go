package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zylisp/escalate/config"
	"github.com/zylisp/escalate/operations"
	"github.com/zylisp/escalate/protocol"
	"github.com/zylisp/escalate/server/helpertest"
	"github.com/zylisp/escalate/transport/unix"
)

type mockHelperOptions struct {
	script string
	socket string
	codec  string
}

func newMockHelperCmd(root *rootOptions) *cobra.Command {
	opts := &mockHelperOptions{}

	cmd := &cobra.Command{
		Use:   "mock-helper",
		Short: "Serve a scripted helper on a Unix socket",
		Long: `Serve a scripted helper on a Unix socket until interrupted. Every
authenticate session plays the same YAML script; other actions get
PAM_SYSTEM_ERR.

  expect:            # optional checks on the module's Hello
    username: janedoe
  steps:
    - style: echo-off   # echo-off, echo-on, error or info
      text: "Password: "
      reply: secret     # optional expected answer
  reject:            # played after a wrong answer, before PAM_AUTH_ERR
    - style: error
      text: "Failed!"
  result:            # omit to hang up instead
    status: 0
    env:
      PATH: /usr/bin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMockHelper(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.script, "script", "", "YAML session script")
	cmd.Flags().StringVar(&opts.socket, "socket", "", "socket path to listen on")
	cmd.Flags().StringVar(&opts.codec, "codec", protocol.FormatMessagePack, "wire format, msgpack or json")
	_ = cmd.MarkFlagRequired("script")
	_ = cmd.MarkFlagRequired("socket")
	return cmd
}

func runMockHelper(cmd *cobra.Command, root *rootOptions, opts *mockHelperOptions) error {
	script, err := helpertest.LoadScript(opts.script)
	if err != nil {
		return err
	}
	logger := root.logger(cmd.ErrOrStderr(), config.Default())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := operations.NewMux(logger)
	mux.Register(protocol.ActionAuthenticate, script)

	srv := unix.NewServer(opts.socket, opts.codec, mux, logger)
	go func() {
		select {
		case <-srv.Ready():
			if srv.Err() == nil {
				logger.Info("helper listening", "socket", srv.Addr(), "codec", opts.codec)
			}
		case <-ctx.Done():
		}
	}()

	err = srv.Start(ctx)
	if stopErr := srv.Stop(context.Background()); stopErr != nil {
		logger.Warn("shutdown", "err", stopErr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if scriptErr := script.Err(); scriptErr != nil {
		logger.Warn("unexpected hello", "err", scriptErr)
	}
	return err
}
