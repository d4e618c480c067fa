package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ooni/netem"
	"github.com/ooni/tlspump/internal/certstore"
	"github.com/ooni/tlspump/internal/errwrapper"
	"github.com/ooni/tlspump/internal/fixtures"
	"github.com/ooni/tlspump/model"
)

func serverIdentity(t *testing.T) *certstore.Identity {
	id, err := certstore.LoadIdentity(fixtures.ServerChainPEM, fixtures.ServerKeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func clientIdentity(t *testing.T) *certstore.Identity {
	id, err := certstore.LoadIdentity(fixtures.ClientChainPEM, fixtures.ClientKeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func trustAnchor(t *testing.T, data []byte) *certstore.TrustAnchor {
	ta, err := certstore.LoadTrustAnchor(data)
	if err != nil {
		t.Fatal(err)
	}
	return ta
}

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (initiator, responder net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()
	initiator, err = net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	responder = <-accepted
	if responder == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		initiator.Close()
		responder.Close()
	})
	return
}

// handshake runs cycles until the session leaves the handshake, at
// most maxIterations times, and checks that the transition is one-way.
func handshake(ctx context.Context, sess *Session, conn net.Conn, maxIterations int) (int, error) {
	established := false
	for i := 0; i < maxIterations; i++ {
		if _, _, err := sess.CompleteIO(ctx, conn); err != nil {
			return i, err
		}
		if established && sess.IsHandshaking() {
			return i, errors.New("session went back to handshaking")
		}
		established = !sess.IsHandshaking()
		if established {
			return i + 1, nil
		}
	}
	return maxIterations, errors.New("too many iterations")
}

type outcome struct {
	iterations int
	err        error
}

func runBoth(t *testing.T, initiator, responder *Session) (outcome, outcome) {
	iconn, rconn := tcpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rch := make(chan outcome, 1)
	go func() {
		n, err := handshake(ctx, responder, rconn, 10)
		rch <- outcome{n, err}
	}()
	n, err := handshake(ctx, initiator, iconn, 10)
	return outcome{n, err}, <-rch
}

func TestNewResponderStartsHandshaking(t *testing.T) {
	sess, err := NewResponder(ResponderConfig{Identity: serverIdentity(t)})
	if err != nil {
		t.Fatal(err)
	}
	flags := sess.Flags()
	if !flags.IsHandshaking || !flags.WantsRead || flags.WantsWrite {
		t.Fatalf("unexpected flags: %+v", flags)
	}
	if sess.Role() != model.RoleResponder {
		t.Fatal("unexpected role")
	}
	if sess.Close() != nil {
		t.Fatal("closing an unbound session should succeed")
	}
	if len(sess.ConnectionState().PeerCertificates) != 0 {
		t.Fatal("unexpected connection state")
	}
}

func TestNewResponderFailures(t *testing.T) {
	t.Run("without identity", func(t *testing.T) {
		_, err := NewResponder(ResponderConfig{})
		if !errors.Is(err, ErrMissingIdentity) {
			t.Fatal("not the error we expected", err)
		}
	})
	t.Run("requiring client auth without trust anchor", func(t *testing.T) {
		_, err := NewResponder(ResponderConfig{
			ClientAuth: RequireAuthenticatedClient,
			Identity:   serverIdentity(t),
		})
		if !errors.Is(err, ErrMissingTrustAnchor) {
			t.Fatal("not the error we expected", err)
		}
	})
	t.Run("with an unknown policy", func(t *testing.T) {
		_, err := NewResponder(ResponderConfig{
			ClientAuth: ClientAuthPolicy(17),
			Identity:   serverIdentity(t),
		})
		if err == nil {
			t.Fatal("expected an error here")
		}
	})
}

func TestNewInitiator(t *testing.T) {
	sess, err := NewInitiator(InitiatorConfig{
		PeerIdentity: fixtures.DefaultPeerIdentity,
		TrustAnchor:  trustAnchor(t, fixtures.CAPEM),
	})
	if err != nil {
		t.Fatal(err)
	}
	flags := sess.Flags()
	if !flags.IsHandshaking || !flags.WantsRead || !flags.WantsWrite {
		t.Fatalf("unexpected flags: %+v", flags)
	}
	if sess.config.ServerName != fixtures.DefaultPeerIdentity {
		t.Fatal("unexpected server name")
	}
}

func TestNewInitiatorFailures(t *testing.T) {
	t.Run("with an invalid hint", func(t *testing.T) {
		_, err := NewInitiator(InitiatorConfig{
			PeerIdentity: "not a host name",
			TrustAnchor:  trustAnchor(t, fixtures.CAPEM),
		})
		if !errors.Is(err, ErrInvalidPeerIdentityHint) {
			t.Fatal("not the error we expected", err)
		}
	})
	t.Run("without trust anchor", func(t *testing.T) {
		_, err := NewInitiator(InitiatorConfig{
			PeerIdentity: fixtures.DefaultPeerIdentity,
		})
		if !errors.Is(err, ErrMissingTrustAnchor) {
			t.Fatal("not the error we expected", err)
		}
	})
}

func TestNormalizePeerIdentity(t *testing.T) {
	var tests = []struct {
		hint string
		want string
		fail bool
	}{
		{hint: "app1.customer1.tlspump.test", want: "app1.customer1.tlspump.test"},
		{hint: "APP1.Customer1.tlspump.test", want: "app1.customer1.tlspump.test"},
		{hint: "server.tlspump.test.", want: "server.tlspump.test"},
		{hint: "bücher.example", want: "xn--bcher-kva.example"},
		{hint: "127.0.0.1", want: "127.0.0.1"},
		{hint: "::1", want: "::1"},
		{hint: "", fail: true},
		{hint: ".", fail: true},
		{hint: "not a host name", fail: true},
		{hint: "a..b", fail: true},
		{hint: "*.customer1.tlspump.test", fail: true},
		{hint: strings.Repeat("a", 64) + ".test", fail: true},
	}
	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			got, err := NormalizePeerIdentity(tt.hint)
			if tt.fail {
				if !errors.Is(err, ErrInvalidPeerIdentityHint) {
					t.Fatal("not the error we expected", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClientAuthPolicyString(t *testing.T) {
	for _, policy := range []ClientAuthPolicy{NoClientAuth, RequireAuthenticatedClient} {
		parsed, err := ParseClientAuthPolicy(policy.String())
		if err != nil {
			t.Fatal(err)
		}
		if parsed != policy {
			t.Fatal("round trip failed")
		}
	}
	if ClientAuthPolicy(17).String() != "unknown" {
		t.Fatal("unexpected name")
	}
	if _, err := ParseClientAuthPolicy("optional"); err == nil {
		t.Fatal("expected an error here")
	}
}

func TestIntegrationHandshakeAndApplicationData(t *testing.T) {
	responder, err := NewResponder(ResponderConfig{
		Identity:   serverIdentity(t),
		NextProtos: []string{"tlspump"},
	})
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := NewInitiator(InitiatorConfig{
		NextProtos:   []string{"tlspump"},
		PeerIdentity: fixtures.DefaultPeerIdentity,
		TrustAnchor:  trustAnchor(t, fixtures.CAPEM),
	})
	if err != nil {
		t.Fatal(err)
	}
	iconn, rconn := tcpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rch := make(chan outcome, 1)
	go func() {
		n, err := handshake(ctx, responder, rconn, 10)
		rch <- outcome{n, err}
	}()
	if _, err := handshake(ctx, initiator, iconn, 10); err != nil {
		t.Fatal(err)
	}
	if out := <-rch; out.err != nil {
		t.Fatal(out.err)
	}
	state := initiator.ConnectionState()
	if state.NegotiatedProtocol != "tlspump" {
		t.Fatal("unexpected ALPN")
	}
	if len(state.PeerCertificates) != 2 {
		t.Fatal("expected the responder chain")
	}
	initiator.Send([]byte("hello, "))
	initiator.Send([]byte("responder"))
	if !initiator.WantsWrite() {
		t.Fatal("the initiator should want to write")
	}
	_, nwritten, err := initiator.CompleteIO(ctx, iconn)
	if err != nil {
		t.Fatal(err)
	}
	if nwritten <= 0 || initiator.WantsWrite() {
		t.Fatal("the initiator should have flushed its data")
	}
	var received []byte
	for i := 0; i < 20 && !bytes.Equal(received, []byte("hello, responder")); i++ {
		if _, _, err := responder.CompleteIO(ctx, rconn); err != nil {
			t.Fatal(err)
		}
		received = append(received, responder.Received()...)
	}
	if string(received) != "hello, responder" {
		t.Fatalf("unexpected data: %q", received)
	}
	if responder.IsHandshaking() || initiator.IsHandshaking() {
		t.Fatal("the sessions must not go back to handshaking")
	}
}

func TestIntegrationIdleCycleReturnsZero(t *testing.T) {
	responder, err := NewResponder(ResponderConfig{Identity: serverIdentity(t)})
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := NewInitiator(InitiatorConfig{
		PeerIdentity: fixtures.DefaultPeerIdentity,
		ReadWait:     10 * time.Millisecond,
		TrustAnchor:  trustAnchor(t, fixtures.CAPEM),
	})
	if err != nil {
		t.Fatal(err)
	}
	iconn, rconn := tcpPair(t)
	ctx := context.Background()
	go handshake(ctx, responder, rconn, 1)
	if _, err := handshake(ctx, initiator, iconn, 10); err != nil {
		t.Fatal(err)
	}
	// Consume whatever post-handshake messages are in flight.
	for i := 0; i < 3; i++ {
		if _, _, err := initiator.CompleteIO(ctx, iconn); err != nil {
			t.Fatal(err)
		}
	}
	nread, nwritten, err := initiator.CompleteIO(ctx, iconn)
	if err != nil {
		t.Fatal(err)
	}
	if nread != 0 || nwritten != 0 {
		t.Fatal("expected an idle cycle")
	}
}

func TestIntegrationFlushInterrupted(t *testing.T) {
	responder, err := NewResponder(ResponderConfig{Identity: serverIdentity(t)})
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := NewInitiator(InitiatorConfig{
		PeerIdentity: fixtures.DefaultPeerIdentity,
		TrustAnchor:  trustAnchor(t, fixtures.CAPEM),
	})
	if err != nil {
		t.Fatal(err)
	}
	iconn, rconn := tcpPair(t)
	go handshake(context.Background(), responder, rconn, 1)
	if _, err := handshake(context.Background(), initiator, iconn, 10); err != nil {
		t.Fatal(err)
	}
	// The responder stops reading, so the flush blocks once the
	// socket buffers are full.
	initiator.Send(make([]byte, 64<<20))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	_, nwritten, err := initiator.CompleteIO(ctx, iconn)
	if !errors.Is(err, context.Canceled) {
		t.Fatal("not the error we expected", err)
	}
	if nwritten <= 0 {
		t.Fatal("expected a partial write")
	}
	if failure := errwrapper.Classify(err); failure != errwrapper.FailureInterrupted {
		t.Fatal("unexpected failure", failure)
	}
}

func TestIntegrationPeerIdentityMismatch(t *testing.T) {
	responder, err := NewResponder(ResponderConfig{Identity: serverIdentity(t)})
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := NewInitiator(InitiatorConfig{
		PeerIdentity: "www.example.com",
		TrustAnchor:  trustAnchor(t, fixtures.CAPEM),
	})
	if err != nil {
		t.Fatal(err)
	}
	iout, rout := runBoth(t, initiator, responder)
	var wrapper *errwrapper.ErrWrapper
	if !errors.As(iout.err, &wrapper) {
		t.Fatal("expected an ErrWrapper", iout.err)
	}
	if wrapper.Failure != errwrapper.FailureSSLInvalidHostname {
		t.Fatal("unexpected failure", wrapper.Failure)
	}
	if wrapper.Operation != errwrapper.TLSHandshakeOperation {
		t.Fatal("unexpected operation", wrapper.Operation)
	}
	if rout.err == nil {
		t.Fatal("the responder should also fail")
	}
	if !initiator.IsHandshaking() || !responder.IsHandshaking() {
		t.Fatal("the sessions must not be established")
	}
}

func TestIntegrationUnknownAuthority(t *testing.T) {
	responder, err := NewResponder(ResponderConfig{Identity: serverIdentity(t)})
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := NewInitiator(InitiatorConfig{
		PeerIdentity: fixtures.DefaultPeerIdentity,
		TrustAnchor:  trustAnchor(t, fixtures.OtherCAPEM),
	})
	if err != nil {
		t.Fatal(err)
	}
	iout, _ := runBoth(t, initiator, responder)
	if errwrapper.Classify(iout.err) != errwrapper.FailureSSLUnknownAuthority {
		t.Fatal("unexpected failure", iout.err)
	}
	if !initiator.IsHandshaking() {
		t.Fatal("the initiator must not be established")
	}
}

func TestIntegrationClientAuth(t *testing.T) {
	newResponder := func() *Session {
		sess, err := NewResponder(ResponderConfig{
			ClientAuth:        RequireAuthenticatedClient,
			ClientTrustAnchor: trustAnchor(t, fixtures.CAPEM),
			Identity:          serverIdentity(t),
		})
		if err != nil {
			t.Fatal(err)
		}
		return sess
	}
	t.Run("with a client identity", func(t *testing.T) {
		initiator, err := NewInitiator(InitiatorConfig{
			ClientIdentity: clientIdentity(t),
			PeerIdentity:   fixtures.DefaultPeerIdentity,
			TrustAnchor:    trustAnchor(t, fixtures.CAPEM),
		})
		if err != nil {
			t.Fatal(err)
		}
		responder := newResponder()
		iout, rout := runBoth(t, initiator, responder)
		if iout.err != nil || rout.err != nil {
			t.Fatal(iout.err, rout.err)
		}
		state := responder.ConnectionState()
		if len(state.PeerCertificates) < 1 {
			t.Fatal("the responder should have seen the client chain")
		}
	})
	t.Run("without a client identity", func(t *testing.T) {
		initiator, err := NewInitiator(InitiatorConfig{
			PeerIdentity: fixtures.DefaultPeerIdentity,
			TrustAnchor:  trustAnchor(t, fixtures.CAPEM),
		})
		if err != nil {
			t.Fatal(err)
		}
		responder := newResponder()
		_, rout := runBoth(t, initiator, responder)
		if rout.err == nil {
			t.Fatal("expected an error here")
		}
		if !responder.IsHandshaking() {
			t.Fatal("the responder must not be established")
		}
	})
}

func TestCompleteIOBinding(t *testing.T) {
	sess, err := NewResponder(ResponderConfig{Identity: serverIdentity(t)})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sess.CompleteIO(context.Background(), nil); !errors.Is(err, ErrNilConn) {
		t.Fatal("not the error we expected", err)
	}
	first, second := tcpPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // binds the session without performing I/O
	if _, _, err := sess.CompleteIO(ctx, first); !errors.Is(err, context.Canceled) {
		t.Fatal("not the error we expected", err)
	}
	if _, _, err := sess.CompleteIO(ctx, second); !errors.Is(err, ErrConnMismatch) {
		t.Fatal("not the error we expected", err)
	}
}

func TestCompleteIOInterrupted(t *testing.T) {
	sess, err := NewResponder(ResponderConfig{Identity: serverIdentity(t)})
	if err != nil {
		t.Fatal(err)
	}
	_, rconn := tcpPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	// The peer never speaks, hence we block until canceled.
	_, _, err = sess.CompleteIO(ctx, rconn)
	if err == nil {
		t.Fatal("expected an error here")
	}
	if !sess.IsHandshaking() {
		t.Fatal("the session must not be established")
	}
}

func TestIntegrationInitiatorWithForeignServer(t *testing.T) {
	ca := netem.MustNewCA()
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.CACert().Raw})
	initiator, err := NewInitiator(InitiatorConfig{
		PeerIdentity: "www.example.com",
		TrustAnchor:  trustAnchor(t, caPEM),
	})
	if err != nil {
		t.Fatal(err)
	}
	iconn, rconn := tcpPair(t)
	errch := make(chan error, 1)
	go func() {
		errch <- tls.Server(rconn, ca.MustNewServerTLSConfig("www.example.com")).Handshake()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := handshake(ctx, initiator, iconn, 10); err != nil {
		t.Fatal(err)
	}
	if err := <-errch; err != nil {
		t.Fatal(err)
	}
}
