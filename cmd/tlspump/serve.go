package main

import (
	"context"
	"time"

	"github.com/ooni/tlspump/internal/orchestrator"
	"github.com/ooni/tlspump/model"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	acceptTimeout time.Duration
	address       string
	creds         credentialFiles
	delay         time.Duration
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	serve := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept one connection and pump a responder session over it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve.run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&serve.acceptTimeout, "accept-timeout", 0, "Maximum time to wait for the initiator (zero means forever)")
	flags.StringVar(&serve.address, "address", "127.0.0.1:51301", "Address where to listen")
	flags.DurationVar(&serve.delay, "delay", 0, "Pause between pump cycles")
	serve.creds.addResponderFlags(flags)
	return cmd
}

func (serve *serveOptions) run(ctx context.Context, opts *globalOptions) error {
	responder, err := serve.creds.responderConfig(fallbacks{})
	if err != nil {
		return err
	}
	opts.applyResponder(&responder)
	env, err := opts.setup(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	listener, err := orchestrator.Listen(env.ctx, serve.address)
	if err != nil {
		return err
	}
	result, err := orchestrator.RunResponder(env.ctx, listener, &orchestrator.Config{
		AcceptTimeout:  serve.acceptTimeout,
		Handler:        env.handler,
		Logger:         env.entry,
		Responder:      responder,
		ResponderDelay: serve.delay,
	})
	return env.report(model.RoleResponder, result, err)
}
