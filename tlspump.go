// Package tlspump drives TLS sessions over TCP connections.
//
// A Session wraps the crypto/tls engine. You advance it one combined
// I/O cycle at a time, and the pump keeps doing that until the
// connection fails, emitting events along the way:
//
//	sess, err := tlspump.NewInitiator(tlspump.InitiatorConfig{
//		PeerIdentity: "app1.customer1.tlspump.test",
//		TrustAnchor:  anchor,
//	})
//	...
//	result, err := tlspump.NewPump(tlspump.PumpConfig{
//		Handler: handler,
//	}).Run(ctx, sess, conn)
//
// Use Run to bring up a responder and an initiator talking to each
// other over the loopback interface.
package tlspump

import (
	"context"

	"github.com/ooni/tlspump/internal/certstore"
	"github.com/ooni/tlspump/internal/orchestrator"
	"github.com/ooni/tlspump/internal/pump"
	"github.com/ooni/tlspump/internal/session"
)

type (
	// Identity is a certificate chain plus its private key.
	Identity = certstore.Identity

	// TrustAnchor is a set of CA certificates.
	TrustAnchor = certstore.TrustAnchor

	// Session is a TLS session.
	Session = session.Session

	// ResponderConfig configures a responder session.
	ResponderConfig = session.ResponderConfig

	// InitiatorConfig configures an initiator session.
	InitiatorConfig = session.InitiatorConfig

	// ClientAuthPolicy is the responder's client authentication policy.
	ClientAuthPolicy = session.ClientAuthPolicy

	// Pump drives a session.
	Pump = pump.Pump

	// PumpConfig configures a Pump.
	PumpConfig = pump.Config

	// PumpResult is the result of running a Pump.
	PumpResult = pump.Result

	// Config configures Run.
	Config = orchestrator.Config

	// Result is the result of Run.
	Result = orchestrator.Result
)

const (
	// NoClientAuth means that the responder does not request a
	// client certificate.
	NoClientAuth = session.NoClientAuth

	// RequireAuthenticatedClient means that the responder requires
	// and validates a client certificate.
	RequireAuthenticatedClient = session.RequireAuthenticatedClient
)

var (
	// ErrMalformedCertificate indicates invalid certificate PEM text.
	ErrMalformedCertificate = certstore.ErrMalformedCertificate

	// ErrMalformedKey indicates invalid private key PEM text.
	ErrMalformedKey = certstore.ErrMalformedKey

	// ErrInvalidPeerIdentityHint indicates an invalid peer identity.
	ErrInvalidPeerIdentityHint = session.ErrInvalidPeerIdentityHint
)

// LoadIdentity loads an identity from PEM text.
func LoadIdentity(certPEM, keyPEM []byte) (*Identity, error) {
	return certstore.LoadIdentity(certPEM, keyPEM)
}

// LoadTrustAnchor loads a trust anchor from PEM text.
func LoadTrustAnchor(caPEM []byte) (*TrustAnchor, error) {
	return certstore.LoadTrustAnchor(caPEM)
}

// ReadIdentity loads an identity from PEM files.
func ReadIdentity(certPath, keyPath string) (*Identity, error) {
	return certstore.ReadIdentity(certPath, keyPath)
}

// ReadTrustAnchor loads a trust anchor from a PEM file.
func ReadTrustAnchor(path string) (*TrustAnchor, error) {
	return certstore.ReadTrustAnchor(path)
}

// NewResponder creates a responder session.
func NewResponder(config ResponderConfig) (*Session, error) {
	return session.NewResponder(config)
}

// NewInitiator creates an initiator session.
func NewInitiator(config InitiatorConfig) (*Session, error) {
	return session.NewInitiator(config)
}

// NewPump creates a new Pump.
func NewPump(config PumpConfig) *Pump {
	return pump.New(config)
}

// Run runs a responder and an initiator against each other.
func Run(ctx context.Context, config Config) (*Result, error) {
	return orchestrator.Run(ctx, config)
}
