package main

import (
	"context"
	"time"

	"github.com/ooni/tlspump/internal/fixtures"
	"github.com/ooni/tlspump/internal/orchestrator"
	"github.com/ooni/tlspump/internal/session"
	"github.com/ooni/tlspump/model"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	acceptTimeout  time.Duration
	address        string
	creds          credentialFiles
	failFast       bool
	greeting       string
	initiatorDelay time.Duration
	peerIdentity   string
	responderDelay time.Duration
	startupDelay   time.Duration
}

func newDemoCommand(opts *globalOptions) *cobra.Command {
	demo := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a responder and an initiator against each other",
		Long: `Run a responder and an initiator against each other over the loopback
interface. Credentials default to built-in demo certificates when the
corresponding file flag is not set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return demo.run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&demo.acceptTimeout, "accept-timeout", 0, "Maximum time to wait for the initiator (zero means forever)")
	flags.StringVar(&demo.address, "address", "127.0.0.1:51301", "Address where the responder listens")
	flags.BoolVar(&demo.failFast, "fail-fast", false, "Stop both roles as soon as one of them fails")
	flags.StringVar(&demo.greeting, "greeting", "hello from the initiator", "Data sent by the initiator once established")
	flags.DurationVar(&demo.initiatorDelay, "initiator-delay", 5*time.Second, "Pause between initiator pump cycles")
	flags.StringVar(&demo.peerIdentity, "peer-identity", fixtures.DefaultPeerIdentity, "Name the responder certificate must be valid for")
	flags.DurationVar(&demo.responderDelay, "responder-delay", 0, "Pause between responder pump cycles")
	flags.DurationVar(&demo.startupDelay, "startup-delay", 3*time.Second, "How long the initiator waits before connecting")
	demo.creds.addResponderFlags(flags)
	demo.creds.addInitiatorFlags(flags)
	return cmd
}

func (demo *demoOptions) run(ctx context.Context, opts *globalOptions) error {
	fb := fallbacks{
		ca:       fixtures.CAPEM,
		cert:     fixtures.ServerChainPEM,
		clientCA: fixtures.CAPEM,
		key:      fixtures.ServerKeyPEM,
	}
	if demo.creds.clientAuth == session.RequireAuthenticatedClient.String() {
		fb.clientCert, fb.clientKey = fixtures.ClientChainPEM, fixtures.ClientKeyPEM
	}
	responder, err := demo.creds.responderConfig(fb)
	if err != nil {
		return err
	}
	initiator, err := demo.creds.initiatorConfig(demo.peerIdentity, fb)
	if err != nil {
		return err
	}
	opts.applyResponder(&responder)
	opts.applyInitiator(&initiator)
	env, err := opts.setup(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	result, err := orchestrator.Run(env.ctx, orchestrator.Config{
		AcceptTimeout:  demo.acceptTimeout,
		Address:        demo.address,
		FailFast:       demo.failFast,
		Greeting:       []byte(demo.greeting),
		Handler:        env.handler,
		Initiator:      initiator,
		InitiatorDelay: demo.initiatorDelay,
		Logger:         env.entry,
		Responder:      responder,
		ResponderDelay: demo.responderDelay,
		StartupDelay:   demo.startupDelay,
	})
	if err != nil {
		return err
	}
	responderErr := env.report(model.RoleResponder, result.Responder.Pump, result.Responder.Err)
	initiatorErr := env.report(model.RoleInitiator, result.Initiator.Pump, result.Initiator.Err)
	if responderErr != nil {
		return responderErr
	}
	return initiatorErr
}
