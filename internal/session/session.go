// Package session contains the TLS session driven by the pump.
//
// A Session wraps the crypto/tls engine and exposes it as a state
// machine that the caller advances one combined I/O cycle at a time
// using CompleteIO. While handshaking, a cycle drives the handshake.
// Once established, a cycle either flushes queued application data
// or waits for inbound records for a bounded amount of time.
//
// A Session is owned by the goroutine calling CompleteIO. The only
// method that other goroutines may call is Send.
package session

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ooni/tlspump/internal/certstore"
	"github.com/ooni/tlspump/internal/connx"
	"github.com/ooni/tlspump/internal/errwrapper"
	"github.com/ooni/tlspump/model"
	"github.com/pkg/errors"
)

const (
	// DefaultHandshakeTimeout is the default handshake timeout.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultReadWait is the default amount of time an established
	// session waits for inbound records during a cycle.
	DefaultReadWait = 250 * time.Millisecond
)

var (
	// ErrMissingIdentity indicates that the responder has no identity.
	ErrMissingIdentity = errors.New("session: missing identity")

	// ErrMissingTrustAnchor indicates that we need a trust anchor
	// to validate the peer but none was configured.
	ErrMissingTrustAnchor = errors.New("session: missing trust anchor")

	// ErrConnMismatch indicates that CompleteIO was called with a conn
	// different from the one the session is bound to.
	ErrConnMismatch = errors.New("session: bound to another connection")

	// ErrNilConn indicates that CompleteIO was called with a nil conn.
	ErrNilConn = errors.New("session: nil connection")
)

// ClientAuthPolicy is the responder's client authentication policy.
type ClientAuthPolicy int

const (
	// NoClientAuth means we neither request nor require a certificate.
	NoClientAuth = ClientAuthPolicy(iota)

	// RequireAuthenticatedClient means we require a client certificate
	// and validate it against the client trust anchor.
	RequireAuthenticatedClient
)

var clientAuthPolicyNames = map[ClientAuthPolicy]string{
	NoClientAuth:               "none",
	RequireAuthenticatedClient: "require",
}

// String returns the policy name.
func (p ClientAuthPolicy) String() string {
	if name, ok := clientAuthPolicyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseClientAuthPolicy parses the output of ClientAuthPolicy.String.
func ParseClientAuthPolicy(s string) (ClientAuthPolicy, error) {
	for policy, name := range clientAuthPolicyNames {
		if name == s {
			return policy, nil
		}
	}
	return 0, errors.Errorf("session: unknown client auth policy %q", s)
}

// ResponderConfig contains the responder configuration.
type ResponderConfig struct {
	// ClientAuth is the client authentication policy.
	ClientAuth ClientAuthPolicy

	// ClientTrustAnchor validates client certificates. It is
	// required with RequireAuthenticatedClient.
	ClientTrustAnchor *certstore.TrustAnchor

	// HandshakeTimeout bounds the handshake. If zero or negative, we
	// use DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Identity is the identity we present to clients.
	Identity *certstore.Identity

	// NextProtos contains the ALPN protocols we accept.
	NextProtos []string

	// ReadWait bounds the wait for inbound records. If zero or
	// negative, we use DefaultReadWait.
	ReadWait time.Duration
}

// InitiatorConfig contains the initiator configuration.
type InitiatorConfig struct {
	// ClientIdentity is the optional identity that we present
	// when the responder requests a client certificate.
	ClientIdentity *certstore.Identity

	// HandshakeTimeout is like ResponderConfig.HandshakeTimeout.
	HandshakeTimeout time.Duration

	// NextProtos contains the ALPN protocols we offer.
	NextProtos []string

	// PeerIdentity is the name (or IP address) that the responder
	// certificate must be valid for. We also send it as SNI.
	PeerIdentity string

	// ReadWait is like ResponderConfig.ReadWait.
	ReadWait time.Duration

	// TrustAnchor validates the responder certificate.
	TrustAnchor *certstore.TrustAnchor
}

// Session is a TLS session bound to at most one connection.
type Session struct {
	config           *tls.Config
	handshakeTimeout time.Duration
	newConn          func(net.Conn, *tls.Config) *tls.Conn
	readWait         time.Duration
	role             model.Role

	bound       net.Conn
	eof         bool
	handshaking bool
	inbox       []byte
	measuring   *connx.MeasuringConn
	readbuf     []byte
	tlsconn     *tls.Conn

	mu     sync.Mutex
	outbox []byte
}

// NewResponder creates a new responder session. This function
// does not perform any I/O.
func NewResponder(config ResponderConfig) (*Session, error) {
	if config.Identity == nil {
		return nil, errors.WithStack(ErrMissingIdentity)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{config.Identity.Certificate()},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
		NextProtos:   config.NextProtos,
	}
	switch config.ClientAuth {
	case NoClientAuth:
	case RequireAuthenticatedClient:
		if config.ClientTrustAnchor == nil {
			return nil, errors.Wrap(ErrMissingTrustAnchor, "cannot authenticate clients")
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = config.ClientTrustAnchor.CertPool()
	default:
		return nil, errors.Errorf("session: unknown client auth policy %d", config.ClientAuth)
	}
	return newSession(model.RoleResponder, tlsConfig, tls.Server,
		config.HandshakeTimeout, config.ReadWait), nil
}

// NewInitiator creates a new initiator session. This function
// does not perform any I/O.
func NewInitiator(config InitiatorConfig) (*Session, error) {
	serverName, err := NormalizePeerIdentity(config.PeerIdentity)
	if err != nil {
		return nil, err
	}
	if config.TrustAnchor == nil {
		return nil, errors.Wrap(ErrMissingTrustAnchor, "cannot authenticate the server")
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: config.NextProtos,
		RootCAs:    config.TrustAnchor.CertPool(),
		ServerName: serverName,
	}
	if config.ClientIdentity != nil {
		tlsConfig.Certificates = []tls.Certificate{config.ClientIdentity.Certificate()}
	}
	return newSession(model.RoleInitiator, tlsConfig, tls.Client,
		config.HandshakeTimeout, config.ReadWait), nil
}

func newSession(
	role model.Role, config *tls.Config,
	newConn func(net.Conn, *tls.Config) *tls.Conn,
	handshakeTimeout, readWait time.Duration,
) *Session {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	if readWait <= 0 {
		readWait = DefaultReadWait
	}
	return &Session{
		config:           config,
		handshakeTimeout: handshakeTimeout,
		handshaking:      true,
		newConn:          newConn,
		readWait:         readWait,
		role:             role,
	}
}

// Role returns the session role.
func (s *Session) Role() model.Role {
	return s.role
}

// IsHandshaking returns whether the handshake is still in progress.
// Once this function returns false, it never returns true again.
func (s *Session) IsHandshaking() bool {
	return s.handshaking
}

// WantsRead returns whether the session expects more input from the
// connection. This is true until the peer closes the connection.
func (s *Session) WantsRead() bool {
	return s.handshaking || !s.eof
}

// WantsWrite returns whether the session has bytes to write. An
// initiator that has not completed the handshake has to send its
// hello, and an established session may have queued data.
func (s *Session) WantsWrite() bool {
	if s.handshaking {
		return s.role == model.RoleInitiator
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox) > 0
}

// Flags returns the three session flags.
func (s *Session) Flags() model.SessionFlags {
	return model.SessionFlags{
		IsHandshaking: s.IsHandshaking(),
		WantsRead:     s.WantsRead(),
		WantsWrite:    s.WantsWrite(),
	}
}

// ConnectionState returns the TLS connection state.
func (s *Session) ConnectionState() model.TLSConnectionState {
	if s.tlsconn == nil {
		return model.TLSConnectionState{}
	}
	return model.NewTLSConnectionState(s.tlsconn.ConnectionState())
}

// Send queues application data for the next cycles. It is safe to
// call Send from any goroutine.
func (s *Session) Send(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, data...)
}

func (s *Session) takeOutbox() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.outbox
	s.outbox = nil
	return pending
}

// Received returns and clears the application data received so far.
func (s *Session) Received() []byte {
	data := s.inbox
	s.inbox = nil
	return data
}

// Bound returns whether CompleteIO has bound the session to a conn.
func (s *Session) Bound() bool {
	return s.bound != nil
}

// Close sends a close_notify alert, if possible, and closes the
// connection the session is bound to. Close does nothing when the
// session is not bound.
func (s *Session) Close() error {
	if s.tlsconn == nil {
		return nil
	}
	return s.tlsconn.Close()
}

// aLongTimeAgo is a deadline that unblocks pending I/O immediately.
var aLongTimeAgo = time.Unix(1, 0)

// CompleteIO performs a combined I/O cycle and returns the number of
// bytes read from and written to conn during the cycle. The first
// call binds the session to conn. A cycle that only waited for
// inbound data returns zero counts and a nil error.
func (s *Session) CompleteIO(ctx context.Context, conn net.Conn) (int64, int64, error) {
	if err := s.bind(conn); err != nil {
		return 0, 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	stop := context.AfterFunc(ctx, func() {
		s.measuring.SetDeadline(aLongTimeAgo)
	})
	defer stop()
	read0, written0 := s.measuring.Counters()
	var err error
	if s.handshaking {
		err = s.handshake(ctx)
	} else {
		err = s.exchange(ctx)
	}
	read1, written1 := s.measuring.Counters()
	return read1 - read0, written1 - written0, err
}

func (s *Session) bind(conn net.Conn) error {
	if conn == nil {
		return errors.WithStack(ErrNilConn)
	}
	if s.bound == nil {
		s.bound = conn
		s.measuring = &connx.MeasuringConn{Conn: conn}
		s.tlsconn = s.newConn(s.measuring, s.config)
		s.readbuf = make([]byte, 1<<14)
		return nil
	}
	if s.bound != conn {
		return errors.WithStack(ErrConnMismatch)
	}
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()
	if err := s.tlsconn.HandshakeContext(ctx); err != nil {
		return errwrapper.New(errwrapper.TLSHandshakeOperation, err)
	}
	s.handshaking = false
	return nil
}

func (s *Session) exchange(ctx context.Context) error {
	if pending := s.takeOutbox(); len(pending) > 0 {
		_, err := s.tlsconn.Write(pending)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	s.measuring.SetReadDeadline(time.Now().Add(s.readWait))
	n, err := s.tlsconn.Read(s.readbuf)
	s.inbox = append(s.inbox, s.readbuf[:n]...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil // nothing arrived while waiting
	}
	if errors.Is(err, io.EOF) {
		s.eof = true
	}
	return err
}
