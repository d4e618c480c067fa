// Package model contains the data model. Network events are tagged
// using a unique int64 ConnID, assigned when a connection is accepted
// or connected. IDs are never reused within a process.
//
// Every event also carries the Role of the endpoint that emitted it, so
// the events of both ends of a loopback run can share a single Handler.
//
// All events have a Time. This is always the time in which an event
// has been emitted, relative to a predefined zero in time (the
// Beginning of the run). We use a monotonic clock.
//
// Duration, where present, indicates for how long the code has
// been waiting for an event to happen. For example, ReadEvent.Duration
// indicates for how long the code has been blocked inside Read().
//
// When an operation may fail, we also include the Error. Where the
// error has been classified, Failure contains the failure string.
package model

import (
	"crypto/tls"
	"crypto/x509"
	"time"
)

// Role is the role of a connection endpoint.
type Role string

const (
	// RoleInitiator is the client role.
	RoleInitiator = Role("initiator")

	// RoleResponder is the server role.
	RoleResponder = Role("responder")
)

// SessionFlags are the status flags exposed by a TLS session.
type SessionFlags struct {
	IsHandshaking bool
	WantsRead     bool
	WantsWrite    bool
}

// AcceptEvent is emitted when accept() returns.
type AcceptEvent struct {
	ConnID        int64
	Duration      time.Duration
	Error         error
	Failure       string `json:",omitempty"`
	LocalAddress  string
	RemoteAddress string
	Role          Role
	Time          time.Duration
}

// ConnectEvent is emitted when connect() returns.
type ConnectEvent struct {
	Attempts      int
	ConnID        int64
	Duration      time.Duration
	Error         error
	Failure       string `json:",omitempty"`
	LocalAddress  string
	Network       string
	RemoteAddress string
	Role          Role
	Time          time.Duration
}

// ReadEvent is emitted when conn.Read returns.
type ReadEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// WriteEvent is emitted when conn.Write returns.
type WriteEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// CloseEvent is emitted when conn.Close returns.
type CloseEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	Time     time.Duration
}

// X509Certificate is an x.509 certificate.
type X509Certificate struct {
	// Data contains the certificate bytes in DER format.
	Data []byte
}

// TLSConnectionState contains the TLS connection state.
type TLSConnectionState struct {
	CipherSuite        uint16
	DidResume          bool
	NegotiatedProtocol string
	PeerCertificates   []X509Certificate
	ServerName         string
	Version            uint16
}

// NewTLSConnectionState creates a new TLSConnectionState.
func NewTLSConnectionState(s tls.ConnectionState) TLSConnectionState {
	return TLSConnectionState{
		CipherSuite:        s.CipherSuite,
		DidResume:          s.DidResume,
		NegotiatedProtocol: s.NegotiatedProtocol,
		PeerCertificates:   simplifyCerts(s.PeerCertificates),
		ServerName:         s.ServerName,
		Version:            s.Version,
	}
}

func simplifyCerts(in []*x509.Certificate) (out []X509Certificate) {
	for _, cert := range in {
		out = append(out, X509Certificate{
			Data: cert.Raw,
		})
	}
	return
}

// PumpIterationEvent is emitted after every combined I/O cycle
// performed by the pump loop, including the one that failed.
type PumpIterationEvent struct {
	ConnID          int64
	Duration        time.Duration
	Error           error
	Flags           SessionFlags
	Iteration       int64
	NumBytesRead    int64
	NumBytesWritten int64
	Role            Role
	Time            time.Duration
}

// HandshakeDoneEvent is emitted once, when the pump observes that the
// session is no longer handshaking.
type HandshakeDoneEvent struct {
	ConnID          int64
	ConnectionState TLSConnectionState
	Iteration       int64
	Role            Role
	Time            time.Duration
}

// ApplicationDataEvent is emitted when the session delivered plaintext
// received from the peer.
type ApplicationDataEvent struct {
	ConnID    int64
	Data      []byte
	Iteration int64
	NumBytes  int64
	Role      Role
	Time      time.Duration
}

// PumpDoneEvent is emitted when the pump loop terminates.
type PumpDoneEvent struct {
	ConnID       int64
	Error        error
	Established  bool
	Failure      string
	Iterations   int64
	Operation    string
	Role         Role
	Time         time.Duration
	TotalRead    int64
	TotalWritten int64
}

// Measurement contains zero or more events. Do not assume that at any
// time a Measurement will only contain a single event. When a Measurement
// contains an event, the corresponding pointer is non nil.
type Measurement struct {
	Accept          *AcceptEvent          `json:",omitempty"`
	ApplicationData *ApplicationDataEvent `json:",omitempty"`
	Close           *CloseEvent           `json:",omitempty"`
	Connect         *ConnectEvent         `json:",omitempty"`
	HandshakeDone   *HandshakeDoneEvent   `json:",omitempty"`
	PumpDone        *PumpDoneEvent        `json:",omitempty"`
	PumpIteration   *PumpIterationEvent   `json:",omitempty"`
	Read            *ReadEvent            `json:",omitempty"`
	Write           *WriteEvent           `json:",omitempty"`
}

// Handler handles measurement events.
type Handler interface {
	// OnMeasurement is called when an event occurs. The two roles of a
	// loopback run emit events from distinct goroutines, therefore
	// OnMeasurement calls may happen concurrently.
	OnMeasurement(Measurement)
}
