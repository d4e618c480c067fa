// Package ooconnector contains OONI's connector
package ooconnector

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrNotIPEndpoint indicates that the address is not <ip>:<port>. We
// never resolve names: the peer identity is what the TLS handshake
// verifies, while the address only tells us where to connect.
var ErrNotIPEndpoint = errors.New("ooconnector: didn't pass me a <ip>:<port>")

// Connector is OONI's connector
type Connector struct {
	// Timeout is the timeout of each connect attempt. Zero means
	// that only the context bounds the attempt.
	Timeout time.Duration
}

// New returns a new OONI connector
func New(timeout time.Duration) *Connector {
	return &Connector{Timeout: timeout}
}

// DialContext creates a new connection.
func (c *Connector) DialContext(
	ctx context.Context, network, address string,
) (net.Conn, error) {
	if h, _, e := net.SplitHostPort(address); e != nil || net.ParseIP(h) == nil {
		return nil, ErrNotIPEndpoint
	}
	return (&net.Dialer{Timeout: c.Timeout}).DialContext(ctx, network, address)
}
