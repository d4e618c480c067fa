// Package pump contains the loop that drives a TLS session's I/O
// against a live connection.
//
// The loop has two states, Handshaking and Established. It starts
// in Handshaking and moves to Established after the first cycle that
// leaves the session not handshaking. The transition is one way and
// we emit a HandshakeDone event exactly once when it happens.
//
// The loop never exits on success. It only exits when a cycle fails
// or the context is done, in which case it emits PumpDone.
package pump

import (
	"context"
	"net"
	"time"

	"github.com/ooni/tlspump/internal/errwrapper"
	"github.com/ooni/tlspump/internal/tracing"
	"github.com/ooni/tlspump/model"
)

// Session is the session driven by the pump. The concrete type
// is *session.Session.
type Session interface {
	CompleteIO(ctx context.Context, conn net.Conn) (int64, int64, error)
	ConnectionState() model.TLSConnectionState
	Flags() model.SessionFlags
	IsHandshaking() bool
	Received() []byte
	Role() model.Role
}

// Config contains the pump configuration.
type Config struct {
	// Beginning is the zero of the events' Time. If zero, we use
	// the time when Run is called.
	Beginning time.Time

	// ConnID is the ID of the connection we're pumping.
	ConnID int64

	// Delay is the pause between two cycles. Zero means no pause.
	Delay time.Duration

	// Handler receives the events. If nil, events are dropped.
	Handler model.Handler
}

// Result contains the outcome of Run.
type Result struct {
	// Established indicates whether the handshake completed.
	Established bool

	// Iterations is the number of completed cycles, including
	// the one that failed, if any.
	Iterations int64

	// TotalRead is the number of bytes read from the connection.
	TotalRead int64

	// TotalWritten is the number of bytes written to the connection.
	TotalWritten int64
}

// Pump drives a session.
type Pump struct {
	config Config
}

// New creates a new Pump.
func New(config Config) *Pump {
	return &Pump{config: config}
}

// Run pumps sess against conn until a cycle fails or ctx is done. The
// returned error is an *errwrapper.ErrWrapper. Run always returns a
// non-nil Result, so the caller knows how far we went.
func (p *Pump) Run(ctx context.Context, sess Session, conn net.Conn) (*Result, error) {
	beginning := p.config.Beginning
	if beginning.IsZero() {
		beginning = time.Now()
	}
	info := tracing.NewInfo(beginning, p.config.ConnID, p.config.Handler, sess.Role())
	result := &Result{}
	for iteration := int64(0); ; iteration++ {
		if err := ctx.Err(); err != nil {
			return p.done(info, result, err)
		}
		start := time.Now()
		nread, nwritten, err := sess.CompleteIO(ctx, conn)
		elapsed := time.Since(start)
		result.Iterations++
		result.TotalRead += nread
		result.TotalWritten += nwritten
		info.EmitPumpIteration(iteration, nread, nwritten, sess.Flags(), elapsed, err)
		if data := sess.Received(); len(data) > 0 {
			info.EmitApplicationData(iteration, data)
		}
		if err != nil {
			return p.done(info, result, err)
		}
		if !result.Established && !sess.IsHandshaking() {
			result.Established = true
			info.EmitHandshakeDone(iteration, sess.ConnectionState())
		}
		if err := p.sleep(ctx); err != nil {
			return p.done(info, result, err)
		}
	}
}

func (p *Pump) sleep(ctx context.Context) error {
	if p.config.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(p.config.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Pump) done(info *tracing.Info, result *Result, err error) (*Result, error) {
	wrapped := errwrapper.New(errwrapper.PumpOperation, err)
	info.EmitPumpDone(result.Iterations, result.TotalRead,
		result.TotalWritten, result.Established, wrapped)
	return result, wrapped
}
