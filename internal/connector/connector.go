// Package connector contains the interface used by the initiator
// to establish TCP connections with the responder.
package connector

import (
	"context"
	"net"
)

// Model is the model of any abstract connector. Implementations
// must honour the context deadline and cancellation.
type Model interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
