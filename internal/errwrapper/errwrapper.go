// Package errwrapper contains our error wrapper. The wrapper maps a Go
// error to a failure string and remembers the operation that failed.
package errwrapper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Failure strings.
const (
	FailureAddressInUse          = "address_in_use"
	FailureConnectionRefused     = "connection_refused"
	FailureConnectionReset       = "connection_reset"
	FailureEOFError              = "eof_error"
	FailureGenericTimeoutError   = "generic_timeout_error"
	FailureInterrupted           = "interrupted"
	FailureSSLFailedHandshake    = "ssl_failed_handshake"
	FailureSSLInvalidCertificate = "ssl_invalid_certificate"
	FailureSSLInvalidHostname    = "ssl_invalid_hostname"
	FailureSSLUnknownAuthority   = "ssl_unknown_authority"
)

// Operations.
const (
	AcceptOperation       = "accept"
	ConnectOperation      = "connect"
	ListenOperation       = "listen"
	PumpOperation         = "pump"
	TLSHandshakeOperation = "tls_handshake"
)

// ErrWrapper is our error wrapper for Go errors. Failure is what
// Error returns, so wrapped errors print as failure strings.
type ErrWrapper struct {
	// Failure is the failure string. This is either one of the
	// FailureXXX strings or `unknown_failure: ...`.
	Failure string

	// Operation is the operation that failed. When wrapping an
	// ErrWrapper that failed during the TLS handshake we keep
	// the handshake operation, because it is more specific.
	Operation string

	// WrappedErr is the error that we're wrapping.
	WrappedErr error
}

// Error returns the failure string.
func (e *ErrWrapper) Error() string {
	return e.Failure
}

// Unwrap allows to access the underlying error.
func (e *ErrWrapper) Unwrap() error {
	return e.WrappedErr
}

// MarshalJSON converts an ErrWrapper to a JSON value.
func (e *ErrWrapper) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Failure)
}

// Temporary returns whether retrying the failed operation may help.
func (e *ErrWrapper) Temporary() bool {
	switch e.Failure {
	case FailureConnectionRefused, FailureGenericTimeoutError:
		return true
	}
	return false
}

// New wraps err. If err has already been wrapped, the returned
// wrapper reuses its Failure. This function panics if op is empty
// or err is nil.
func New(op string, err error) *ErrWrapper {
	if op == "" {
		panic("empty op")
	}
	if err == nil {
		panic("nil err")
	}
	var wrapper *ErrWrapper
	if errors.As(err, &wrapper) {
		if wrapper.Operation == TLSHandshakeOperation {
			op = wrapper.Operation
		}
		return &ErrWrapper{
			Failure:    wrapper.Failure,
			Operation:  op,
			WrappedErr: err,
		}
	}
	return &ErrWrapper{
		Failure:    Classify(err),
		Operation:  op,
		WrappedErr: err,
	}
}

// MaybeNew is like New except that it returns nil when err is nil.
func MaybeNew(op string, err error) error {
	if err != nil {
		return New(op, err)
	}
	return nil
}

// IsTemporary returns whether err is a temporary failure.
func IsTemporary(err error) bool {
	var wrapper *ErrWrapper
	if errors.As(err, &wrapper) {
		return wrapper.Temporary()
	}
	return New(PumpOperation, err).Temporary()
}

// Classify maps err to a failure string.
func Classify(err error) string {
	var wrapper *ErrWrapper
	if errors.As(err, &wrapper) {
		return wrapper.Failure
	}
	if errors.Is(err, context.Canceled) {
		return FailureInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return FailureGenericTimeoutError
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return FailureEOFError
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return FailureConnectionReset
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureConnectionRefused
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return FailureAddressInUse
	}
	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		return FailureSSLInvalidHostname
	}
	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		return FailureSSLUnknownAuthority
	}
	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		return FailureSSLInvalidCertificate
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureGenericTimeoutError
	}
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return FailureSSLFailedHandshake
	}
	// The peer tells us about a failed verification using an alert,
	// which crypto/tls surfaces as a plain "remote error" string.
	if strings.HasPrefix(err.Error(), "remote error: tls:") ||
		strings.Contains(err.Error(), "tls: ") {
		return FailureSSLFailedHandshake
	}
	return "unknown_failure: " + err.Error()
}
