// Package fixtures contains demo credentials. The material is generated
// for the tlspump.test domain and must never be used outside of tests
// and of the loopback demo.
//
// The CA signs two leaves. The server leaf is valid for the names
// server.tlspump.test, *.customer1.tlspump.test and 127.0.0.1. The
// client leaf is valid for client authentication as client.tlspump.test.
// OtherCAPEM is an unrelated root that signs nothing we use.
package fixtures

import _ "embed"

// DefaultPeerIdentity is a name matched by the server leaf wildcard.
const DefaultPeerIdentity = "app1.customer1.tlspump.test"

var (
	// CAPEM is the root CA certificate.
	//go:embed ca.pem
	CAPEM []byte

	// ServerChainPEM is the server leaf followed by the CA.
	//go:embed server-chain.pem
	ServerChainPEM []byte

	// ServerKeyPEM is the server RSA key in PKCS#1 format.
	//go:embed server.key
	ServerKeyPEM []byte

	// ServerKeyPKCS8PEM is the server RSA key in PKCS#8 format.
	//go:embed server-pkcs8.key
	ServerKeyPKCS8PEM []byte

	// ClientChainPEM is the client leaf followed by the CA.
	//go:embed client-chain.pem
	ClientChainPEM []byte

	// ClientKeyPEM is the client RSA key in PKCS#1 format.
	//go:embed client.key
	ClientKeyPEM []byte

	// OtherCAPEM is an unrelated root CA certificate.
	//go:embed other-ca.pem
	OtherCAPEM []byte
)
