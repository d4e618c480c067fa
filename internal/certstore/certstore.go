// Package certstore turns PEM text into identity and trust material.
//
// Nothing in here performs I/O except for the Read functions, which
// read the PEM text from files before parsing it.
package certstore

import (
	"crypto"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedCertificate indicates that the PEM text contains no
	// certificate or that a certificate does not parse.
	ErrMalformedCertificate = errors.New("certstore: malformed certificate")

	// ErrMalformedKey indicates that the PEM text does not contain
	// exactly one parseable private key.
	ErrMalformedKey = errors.New("certstore: malformed private key")

	// ErrKeyMismatch indicates that the private key does not match the
	// public key of the leaf certificate.
	ErrKeyMismatch = errors.New("certstore: private key does not match certificate")
)

// Identity is a certificate chain plus its private key. An Identity
// is immutable once loaded.
type Identity struct {
	// Chain contains DER certificates, leaf first.
	Chain [][]byte

	// Key is the private key.
	Key crypto.Signer

	// KeyDER is the DER encoding of Key as found in the PEM text.
	KeyDER []byte

	leaf *x509.Certificate
}

// Leaf returns the parsed leaf certificate.
func (id *Identity) Leaf() *x509.Certificate {
	return id.leaf
}

// Certificate returns the identity as a crypto/tls certificate.
func (id *Identity) Certificate() tls.Certificate {
	return tls.Certificate{
		Certificate: id.Chain,
		PrivateKey:  id.Key,
		Leaf:        id.leaf,
	}
}

// TrustAnchor is a set of CA certificates used to validate a peer's
// chain. A TrustAnchor is immutable once loaded.
type TrustAnchor struct {
	// Certificates contains the DER encoding of the CA certificates.
	Certificates [][]byte

	pool *x509.CertPool
}

// CertPool returns a copy of the anchor's pool, so that callers
// cannot mutate the anchor.
func (ta *TrustAnchor) CertPool() *x509.CertPool {
	return ta.pool.Clone()
}

// ParseCertificateChain returns the DER certificates contained in
// data, in order. Blocks other than CERTIFICATE are ignored.
func ParseCertificateChain(data []byte) ([][]byte, error) {
	var chain [][]byte
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, errors.Wrapf(ErrMalformedCertificate, "certificate #%d: %s", len(chain), err)
		}
		chain = append(chain, block.Bytes)
	}
	if len(chain) < 1 {
		return nil, errors.Wrap(ErrMalformedCertificate, "no certificates found")
	}
	return chain, nil
}

var keyBlockTypes = map[string]bool{
	"PRIVATE KEY":     true,
	"RSA PRIVATE KEY": true,
}

// ParsePrivateKey returns the only RSA private key contained in
// data. It is an error to have zero keys or more than one key.
func ParsePrivateKey(data []byte) (crypto.Signer, []byte, error) {
	var blocks []*pem.Block
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if keyBlockTypes[block.Type] {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) != 1 {
		return nil, nil, errors.Wrapf(ErrMalformedKey, "expected exactly one key, found %d", len(blocks))
	}
	block := blocks[0]
	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, errors.Wrap(ErrMalformedKey, err.Error())
		}
		return key, block.Bytes, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, errors.Wrap(ErrMalformedKey, err.Error())
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, errors.Wrapf(ErrMalformedKey, "unsupported key type %T", parsed)
	}
	return key, block.Bytes, nil
}

// LoadIdentity parses the certificate chain and the private key and
// checks that the key belongs to the leaf certificate.
func LoadIdentity(certPEM, keyPEM []byte) (*Identity, error) {
	chain, err := ParseCertificateChain(certPEM)
	if err != nil {
		return nil, err
	}
	key, keyDER, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCertificate, err.Error())
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(leaf.PublicKey) {
		return nil, errors.WithStack(ErrKeyMismatch)
	}
	return &Identity{Chain: chain, Key: key, KeyDER: keyDER, leaf: leaf}, nil
}

// LoadTrustAnchor parses the CA certificates contained in caPEM.
func LoadTrustAnchor(caPEM []byte) (*TrustAnchor, error) {
	certs, err := ParseCertificateChain(caPEM)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, der := range certs {
		cert, _ := x509.ParseCertificate(der) // already validated
		pool.AddCert(cert)
	}
	return &TrustAnchor{Certificates: certs, pool: pool}, nil
}

// ReadIdentity is like LoadIdentity but reads the PEM files first.
func ReadIdentity(certPath, keyPath string) (*Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrap(err, "certstore: cannot read certificate")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "certstore: cannot read private key")
	}
	return LoadIdentity(certPEM, keyPEM)
}

// ReadTrustAnchor is like LoadTrustAnchor but reads the PEM file first.
func ReadTrustAnchor(path string) (*TrustAnchor, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "certstore: cannot read CA bundle")
	}
	return LoadTrustAnchor(caPEM)
}
