// tlspump drives TLS sessions over TCP connections.
//
// Usage:
//
//	tlspump demo [flags]
//	tlspump serve --cert-file server.pem --key-file server.key [flags]
//	tlspump connect --ca-file ca.pem --peer-identity name [flags]
//	tlspump --help
//
// Every flag can also be set using the TLSPUMP_<FLAG> environment
// variable, where <FLAG> is the flag name in upper case with dashes
// replaced by underscores (e.g., TLSPUMP_PEER_IDENTITY).
//
// Examples:
//
//	./tlspump demo
//	./tlspump demo --initiator-delay 0 --duration 10s --verbose
//	./tlspump serve --address 127.0.0.1:4443 --cert-file chain.pem --key-file key.pem
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/ooni/tlspump/handlers"
	"github.com/ooni/tlspump/handlers/logger"
	"github.com/ooni/tlspump/internal/errwrapper"
	"github.com/ooni/tlspump/internal/metrics"
	"github.com/ooni/tlspump/internal/pump"
	"github.com/ooni/tlspump/internal/session"
	"github.com/ooni/tlspump/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const envPrefix = "TLSPUMP_"

func main() {
	rtx.Must(newRootCommand().Execute(), "tlspump failed")
}

// globalOptions contains the flags shared by all subcommands.
type globalOptions struct {
	alpn             []string
	duration         time.Duration
	handshakeTimeout time.Duration
	json             bool
	metricsAddress   string
	readWait         time.Duration
	verbose          bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "tlspump",
		Short:         "Drive TLS sessions over TCP connections",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindEnvironment(cmd.Flags())
		},
	}
	flags := root.PersistentFlags()
	flags.StringSliceVar(&opts.alpn, "alpn", nil, "ALPN protocols to negotiate")
	flags.DurationVar(&opts.duration, "duration", 0, "Stop after this much time (zero means run until interrupted)")
	flags.DurationVar(&opts.handshakeTimeout, "handshake-timeout", 10*time.Second, "Maximum duration of the TLS handshake")
	flags.BoolVar(&opts.json, "json", false, "Print measurements as JSON on the standard output")
	flags.StringVar(&opts.metricsAddress, "metrics-address", "", "Serve Prometheus metrics at this address")
	flags.DurationVar(&opts.readWait, "read-wait", 250*time.Millisecond, "How long an established session waits for data")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every read and write")
	root.AddCommand(newDemoCommand(opts))
	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newConnectCommand(opts))
	return root
}

// envName returns the environment variable bound to a flag.
func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// bindEnvironment sets the flags not given on the command line from
// their environment variables.
func bindEnvironment(flags *pflag.FlagSet) (err error) {
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}
		value, found := os.LookupEnv(envName(f.Name))
		if !found {
			return
		}
		if e := flags.Set(f.Name, value); e != nil {
			err = errors.Wrapf(e, "invalid value for %s", envName(f.Name))
		}
	})
	return
}

// environment is what a subcommand needs to run.
type environment struct {
	ctx     context.Context
	entry   log.Interface
	handler model.Handler
	close   func()
}

// setup configures logging, metrics, and the context.
func (opts *globalOptions) setup(ctx context.Context) (*environment, error) {
	level := log.InfoLevel
	if opts.verbose {
		level = log.DebugLevel
	}
	lg := &log.Logger{Handler: cli.Default, Level: level}
	entry := lg.WithField("runID", uuid.NewString())
	fanout := handlers.Fanout{logger.NewHandler(entry)}
	if opts.json {
		fanout = append(fanout, handlers.StdoutHandler)
	}
	var cleanups []func()
	if opts.metricsAddress != "" {
		mh := metrics.NewHandler()
		fanout = append(fanout, mh)
		listener, err := net.Listen("tcp", opts.metricsAddress)
		if err != nil {
			return nil, errwrapper.New(errwrapper.ListenOperation, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", mh.HTTPHandler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go srv.Serve(listener)
		entry.Infof("serving metrics at http://%s/metrics", listener.Addr())
		cleanups = append(cleanups, func() { srv.Close() })
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	cleanups = append(cleanups, stop)
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		cleanups = append(cleanups, cancel)
	}
	return &environment{
		ctx:     ctx,
		entry:   entry,
		handler: fanout,
		close: func() {
			for idx := len(cleanups) - 1; idx >= 0; idx-- {
				cleanups[idx]()
			}
		},
	}, nil
}

// report logs how a role terminated and returns an error unless the
// role terminated because we were asked to stop or the peer closed
// the connection.
func (env *environment) report(role model.Role, result *pump.Result, err error) error {
	entry := env.entry.WithField("role", string(role))
	if result != nil {
		entry = entry.WithFields(log.Fields{
			"established":  result.Established,
			"iterations":   result.Iterations,
			"totalRead":    result.TotalRead,
			"totalWritten": result.TotalWritten,
		})
	}
	if err == nil || env.ctx.Err() != nil {
		entry.Info("stopped")
		return nil
	}
	if errwrapper.Classify(err) == errwrapper.FailureEOFError {
		entry.Info("peer closed the connection")
		return nil
	}
	entry.WithError(err).Error("failed")
	return errors.Wrapf(err, "%s failed", role)
}

func (opts *globalOptions) applyResponder(config *session.ResponderConfig) {
	config.HandshakeTimeout = opts.handshakeTimeout
	config.NextProtos = opts.alpn
	config.ReadWait = opts.readWait
}

func (opts *globalOptions) applyInitiator(config *session.InitiatorConfig) {
	config.HandshakeTimeout = opts.handshakeTimeout
	config.NextProtos = opts.alpn
	config.ReadWait = opts.readWait
}
