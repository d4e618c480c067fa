package main

import (
	"context"
	"time"

	"github.com/ooni/tlspump/internal/orchestrator"
	"github.com/ooni/tlspump/model"
	"github.com/spf13/cobra"
)

type connectOptions struct {
	address        string
	connectTimeout time.Duration
	creds          credentialFiles
	delay          time.Duration
	greeting       string
	noRetry        bool
	peerIdentity   string
}

func newConnectCommand(opts *globalOptions) *cobra.Command {
	connect := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a responder and pump an initiator session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return connect.run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&connect.address, "address", "127.0.0.1:51301", "IP address and port of the responder")
	flags.DurationVar(&connect.connectTimeout, "connect-timeout", orchestrator.DefaultConnectTimeout, "Timeout of each connect attempt")
	flags.DurationVar(&connect.delay, "delay", 0, "Pause between pump cycles")
	flags.StringVar(&connect.greeting, "greeting", "", "Data sent once established")
	flags.BoolVar(&connect.noRetry, "no-retry", false, "Do not retry failed connect attempts")
	flags.StringVar(&connect.peerIdentity, "peer-identity", "", "Name the responder certificate must be valid for")
	connect.creds.addInitiatorFlags(flags)
	return cmd
}

func (connect *connectOptions) run(ctx context.Context, opts *globalOptions) error {
	initiator, err := connect.creds.initiatorConfig(connect.peerIdentity, fallbacks{})
	if err != nil {
		return err
	}
	opts.applyInitiator(&initiator)
	env, err := opts.setup(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	result, err := orchestrator.RunInitiator(env.ctx, connect.address, &orchestrator.Config{
		ConnectTimeout: connect.connectTimeout,
		DisableRetry:   connect.noRetry,
		Greeting:       []byte(connect.greeting),
		Handler:        env.handler,
		Initiator:      initiator,
		InitiatorDelay: connect.delay,
		Logger:         env.entry,
	})
	return env.report(model.RoleInitiator, result, err)
}
