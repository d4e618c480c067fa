// Package orchestrator brings up a responder and an initiator and
// pumps their TLS sessions against each other.
//
// Each role runs in its own goroutine and owns its session, so the
// two pumps share nothing but the TCP connection between them. When
// a role fails, the other keeps running unless Config.FailFast is set.
package orchestrator

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/ooni/tlspump/internal/connector"
	"github.com/ooni/tlspump/internal/connector/ooconnector"
	"github.com/ooni/tlspump/internal/connx"
	"github.com/ooni/tlspump/internal/errwrapper"
	"github.com/ooni/tlspump/internal/pump"
	"github.com/ooni/tlspump/internal/retry"
	"github.com/ooni/tlspump/internal/session"
	"github.com/ooni/tlspump/internal/tracing"
	"github.com/ooni/tlspump/model"
)

// DefaultConnectTimeout is the default timeout of a connect attempt.
const DefaultConnectTimeout = 10 * time.Second

var nextConnID int64

// NextConnID returns a connection ID that is unique within the process.
func NextConnID() int64 {
	return atomic.AddInt64(&nextConnID, 1)
}

// Config contains the orchestrator configuration. The zero value
// of every duration means "no delay" or "use the default".
type Config struct {
	// AcceptTimeout bounds the wait for the initiator to connect. If
	// zero, only the context bounds it.
	AcceptTimeout time.Duration

	// Address is the address where Run listens.
	Address string

	// Beginning is the zero of the events' Time. If zero, Run uses the
	// time when it is called.
	Beginning time.Time

	// ConnectTimeout bounds each connect attempt. If zero, we use
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Connector establishes the initiator's connection. If nil, we
	// use ooconnector with ConnectTimeout.
	Connector connector.Model

	// DisableRetry prevents retrying failed connect attempts.
	DisableRetry bool

	// FailFast makes Run cancel the surviving role as soon as
	// the other role terminates.
	FailFast bool

	// Greeting is application data that the initiator sends as soon
	// as the handshake completes. Nothing is sent when empty.
	Greeting []byte

	// Handler receives the events of both roles. If nil, we drop them.
	Handler model.Handler

	// Initiator configures the initiator session.
	Initiator session.InitiatorConfig

	// InitiatorDelay is the pause between two initiator pump cycles.
	InitiatorDelay time.Duration

	// Logger is the logger. If nil, we use log.Log.
	Logger log.Interface

	// Responder configures the responder session.
	Responder session.ResponderConfig

	// ResponderDelay is the pause between two responder pump cycles.
	ResponderDelay time.Duration

	// StartupDelay is how long the initiator waits before connecting.
	StartupDelay time.Duration
}

func (c *Config) beginning() time.Time {
	if c.Beginning.IsZero() {
		return time.Now()
	}
	return c.Beginning
}

func (c *Config) logger(role model.Role) log.Interface {
	logger := c.Logger
	if logger == nil {
		logger = log.Log
	}
	return logger.WithField("role", string(role))
}

func (c *Config) connector() connector.Model {
	if c.Connector != nil {
		return c.Connector
	}
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return ooconnector.New(timeout)
}

// Outcome is the outcome of running a role.
type Outcome struct {
	// Err is the error that terminated the role.
	Err error

	// Pump is nil if we failed before starting to pump.
	Pump *pump.Result
}

// Result contains the outcome of both roles.
type Result struct {
	Initiator Outcome
	Responder Outcome
}

// Listen creates the responder's listener. In case of failure, the
// error is an *errwrapper.ErrWrapper whose operation is listen.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", address)
	if err != nil {
		return nil, errwrapper.New(errwrapper.ListenOperation, err)
	}
	return listener, nil
}

// Run listens on config.Address and then runs the responder and the
// initiator concurrently, until both have terminated. The returned
// error is only non-nil when we cannot listen.
func Run(ctx context.Context, config Config) (*Result, error) {
	listener, err := Listen(ctx, config.Address)
	if err != nil {
		return nil, err
	}
	// The listener may be on an ephemeral port.
	address := listener.Addr().String()
	config.Beginning = config.beginning()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		result Result
		wg     sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.Responder.Pump, result.Responder.Err = RunResponder(ctx, listener, &config)
		if config.FailFast {
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		result.Initiator.Pump, result.Initiator.Err = RunInitiator(ctx, address, &config)
		if config.FailFast {
			cancel()
		}
	}()
	wg.Wait()
	return &result, nil
}

// RunResponder accepts exactly one connection from listener, closes
// the listener, and pumps a responder session over the connection.
func RunResponder(ctx context.Context, listener net.Listener, config *Config) (*pump.Result, error) {
	logger := config.logger(model.RoleResponder)
	sess, err := session.NewResponder(config.Responder)
	if err != nil {
		listener.Close()
		return nil, err
	}
	info := tracing.NewInfo(config.beginning(), NextConnID(), config.Handler, model.RoleResponder)
	logger.Infof("waiting for the initiator on %s", listener.Addr())
	start := time.Now()
	conn, err := accept(ctx, listener, config.AcceptTimeout)
	info.EmitAccept(listener.Addr().String(), remoteAddr(conn), time.Since(start), err)
	if err != nil {
		logger.WithError(err).Warn("accept failed")
		return nil, err
	}
	logger.Infof("accepted connection from %s", conn.RemoteAddr())
	return pumpConn(ctx, info, sess, conn, config.ResponderDelay)
}

func accept(ctx context.Context, listener net.Listener, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	conn, err := listener.Accept()
	listener.Close() // we only serve one connection
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, errwrapper.New(errwrapper.AcceptOperation, err)
	}
	return conn, nil
}

// RunInitiator waits for config.StartupDelay, connects to address,
// retrying temporary failures, and pumps an initiator session over
// the connection.
func RunInitiator(ctx context.Context, address string, config *Config) (*pump.Result, error) {
	logger := config.logger(model.RoleInitiator)
	sess, err := session.NewInitiator(config.Initiator)
	if err != nil {
		return nil, err
	}
	if len(config.Greeting) > 0 {
		sess.Send(config.Greeting) // flushed once established
	}
	if config.StartupDelay > 0 {
		logger.Infof("waiting %s before connecting", config.StartupDelay)
		if err := sleep(ctx, config.StartupDelay); err != nil {
			return nil, errwrapper.New(errwrapper.ConnectOperation, err)
		}
	}
	info := tracing.NewInfo(config.beginning(), NextConnID(), config.Handler, model.RoleInitiator)
	logger.Infof("connecting to %s", address)
	start := time.Now()
	conn, attempts, err := connect(ctx, logger, address, config)
	info.EmitConnect("tcp", localAddr(conn), address, attempts, time.Since(start), err)
	if err != nil {
		logger.WithError(err).Warnf("connect failed after %d attempts", attempts)
		return nil, err
	}
	return pumpConn(ctx, info, sess, conn, config.InitiatorDelay)
}

func connect(
	ctx context.Context, logger log.Interface,
	address string, config *Config,
) (net.Conn, int, error) {
	shouldRetry := errwrapper.IsTemporary
	if config.DisableRetry {
		shouldRetry = func(error) bool { return false }
	}
	dialer := config.connector()
	var conn net.Conn
	attempts, err := retry.Retry(ctx, shouldRetry, func() error {
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			logger.WithError(err).Debug("connect attempt failed")
		}
		return errwrapper.MaybeNew(errwrapper.ConnectOperation, err)
	})
	if err != nil {
		return nil, attempts, errwrapper.New(errwrapper.ConnectOperation, err)
	}
	return conn, attempts, nil
}

func pumpConn(
	ctx context.Context, info *tracing.Info, sess *session.Session,
	conn net.Conn, delay time.Duration,
) (*pump.Result, error) {
	measuring := &connx.MeasuringConn{
		Conn:      conn,
		Beginning: info.Beginning,
		Handler:   info.Handler,
		ID:        info.ConnID,
	}
	defer func() {
		if sess.Bound() {
			sess.Close()
			return
		}
		measuring.Close()
	}()
	return pump.New(pump.Config{
		Beginning: info.Beginning,
		ConnID:    info.ConnID,
		Delay:     delay,
		Handler:   info.Handler,
	}).Run(ctx, sess, measuring)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func remoteAddr(conn net.Conn) (s string) {
	if conn != nil && conn.RemoteAddr() != nil {
		s = conn.RemoteAddr().String()
	}
	return
}

func localAddr(conn net.Conn) (s string) {
	if conn != nil && conn.LocalAddr() != nil {
		s = conn.LocalAddr().String()
	}
	return
}
