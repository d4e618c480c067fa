package main

import (
	"os"

	"github.com/ooni/tlspump/internal/certstore"
	"github.com/ooni/tlspump/internal/session"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// errMissingCredential indicates that a mandatory file flag is empty.
var errMissingCredential = errors.New("missing credential file")

// credentialFiles contains the paths of the PEM files.
type credentialFiles struct {
	caFile         string
	certFile       string
	clientAuth     string
	clientCAFile   string
	clientCertFile string
	clientKeyFile  string
	keyFile        string
}

func (c *credentialFiles) addResponderFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.certFile, "cert-file", "", "PEM file with the responder certificate chain, leaf first")
	flags.StringVar(&c.keyFile, "key-file", "", "PEM file with the responder RSA private key")
	flags.StringVar(&c.clientAuth, "client-auth", "none", "Client authentication policy (none or require)")
	flags.StringVar(&c.clientCAFile, "client-ca-file", "", "PEM file with the CAs validating client certificates")
}

func (c *credentialFiles) addInitiatorFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.caFile, "ca-file", "", "PEM file with the CAs validating the responder certificate")
	flags.StringVar(&c.clientCertFile, "client-cert-file", "", "PEM file with the initiator certificate chain")
	flags.StringVar(&c.clientKeyFile, "client-key-file", "", "PEM file with the initiator RSA private key")
}

// readPEM reads path. When path is empty, it returns fallback, or
// an error if fallback is nil as well.
func readPEM(flag, path string, fallback []byte) ([]byte, error) {
	if path == "" {
		if fallback == nil {
			return nil, errors.Wrapf(errMissingCredential, "--%s", flag)
		}
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "--%s", flag)
	}
	return data, nil
}

func loadIdentity(certFlag, certPath string, certFallback []byte,
	keyFlag, keyPath string, keyFallback []byte) (*certstore.Identity, error) {
	certPEM, err := readPEM(certFlag, certPath, certFallback)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readPEM(keyFlag, keyPath, keyFallback)
	if err != nil {
		return nil, err
	}
	return certstore.LoadIdentity(certPEM, keyPEM)
}

func loadTrustAnchor(flag, path string, fallback []byte) (*certstore.TrustAnchor, error) {
	caPEM, err := readPEM(flag, path, fallback)
	if err != nil {
		return nil, err
	}
	return certstore.LoadTrustAnchor(caPEM)
}

// fallbacks contains the PEM text used when a file flag is empty. A
// nil field makes the corresponding flag mandatory.
type fallbacks struct {
	ca         []byte
	cert       []byte
	clientCA   []byte
	clientCert []byte
	clientKey  []byte
	key        []byte
}

func (c *credentialFiles) responderConfig(fb fallbacks) (session.ResponderConfig, error) {
	var config session.ResponderConfig
	policy, err := session.ParseClientAuthPolicy(c.clientAuth)
	if err != nil {
		return config, err
	}
	config.ClientAuth = policy
	config.Identity, err = loadIdentity("cert-file", c.certFile, fb.cert, "key-file", c.keyFile, fb.key)
	if err != nil {
		return config, err
	}
	if policy == session.RequireAuthenticatedClient {
		config.ClientTrustAnchor, err = loadTrustAnchor("client-ca-file", c.clientCAFile, fb.clientCA)
	}
	return config, err
}

// initiatorConfig loads the initiator credentials. The client identity
// is only loaded when we have both the certificate and the key.
func (c *credentialFiles) initiatorConfig(peerIdentity string, fb fallbacks) (session.InitiatorConfig, error) {
	config := session.InitiatorConfig{PeerIdentity: peerIdentity}
	var err error
	config.TrustAnchor, err = loadTrustAnchor("ca-file", c.caFile, fb.ca)
	if err != nil {
		return config, err
	}
	haveCert := c.clientCertFile != "" || fb.clientCert != nil
	haveKey := c.clientKeyFile != "" || fb.clientKey != nil
	if haveCert || haveKey {
		config.ClientIdentity, err = loadIdentity("client-cert-file", c.clientCertFile, fb.clientCert,
			"client-key-file", c.clientKeyFile, fb.clientKey)
	}
	return config, err
}
