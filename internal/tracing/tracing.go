// Package tracing allows to trace events.
package tracing

import (
	"errors"
	"time"

	"github.com/ooni/tlspump/internal/errwrapper"
	"github.com/ooni/tlspump/internal/nohandler"
	"github.com/ooni/tlspump/model"
)

// Info contains information useful for tracing
type Info struct {
	Beginning time.Time
	ConnID    int64
	Handler   model.Handler
	Role      model.Role
}

// NewInfo creates a new Info. A nil handler is replaced by a
// handler that ignores all events.
func NewInfo(
	beginning time.Time, connID int64,
	handler model.Handler, role model.Role,
) *Info {
	if handler == nil {
		handler = nohandler.S{}
	}
	return &Info{
		Beginning: beginning,
		ConnID:    connID,
		Handler:   handler,
		Role:      role,
	}
}

// Since returns the time elapsed since Beginning.
func (info *Info) Since(t time.Time) time.Duration {
	return t.Sub(info.Beginning)
}

// EmitAccept emits the AcceptEvent event
func (info *Info) EmitAccept(local, remote string, elapsed time.Duration, err error) {
	info.Handler.OnMeasurement(model.Measurement{
		Accept: &model.AcceptEvent{
			ConnID:        info.ConnID,
			Duration:      elapsed,
			Error:         err,
			Failure:       failure(err),
			LocalAddress:  local,
			RemoteAddress: remote,
			Role:          info.Role,
			Time:          info.Since(time.Now()),
		},
	})
}

// EmitConnect emits the ConnectEvent event
func (info *Info) EmitConnect(
	network, local, remote string, attempts int,
	elapsed time.Duration, err error,
) {
	info.Handler.OnMeasurement(model.Measurement{
		Connect: &model.ConnectEvent{
			Attempts:      attempts,
			ConnID:        info.ConnID,
			Duration:      elapsed,
			Error:         err,
			Failure:       failure(err),
			LocalAddress:  local,
			Network:       network,
			RemoteAddress: remote,
			Role:          info.Role,
			Time:          info.Since(time.Now()),
		},
	})
}

// EmitPumpIteration emits the PumpIterationEvent event
func (info *Info) EmitPumpIteration(
	iteration, nread, nwritten int64, flags model.SessionFlags,
	elapsed time.Duration, err error,
) {
	info.Handler.OnMeasurement(model.Measurement{
		PumpIteration: &model.PumpIterationEvent{
			ConnID:          info.ConnID,
			Duration:        elapsed,
			Error:           err,
			Flags:           flags,
			Iteration:       iteration,
			NumBytesRead:    nread,
			NumBytesWritten: nwritten,
			Role:            info.Role,
			Time:            info.Since(time.Now()),
		},
	})
}

// EmitHandshakeDone emits the HandshakeDoneEvent event
func (info *Info) EmitHandshakeDone(iteration int64, state model.TLSConnectionState) {
	info.Handler.OnMeasurement(model.Measurement{
		HandshakeDone: &model.HandshakeDoneEvent{
			ConnID:          info.ConnID,
			ConnectionState: state,
			Iteration:       iteration,
			Role:            info.Role,
			Time:            info.Since(time.Now()),
		},
	})
}

// EmitApplicationData emits the ApplicationDataEvent event
func (info *Info) EmitApplicationData(iteration int64, data []byte) {
	info.Handler.OnMeasurement(model.Measurement{
		ApplicationData: &model.ApplicationDataEvent{
			ConnID:    info.ConnID,
			Data:      data,
			Iteration: iteration,
			NumBytes:  int64(len(data)),
			Role:      info.Role,
			Time:      info.Since(time.Now()),
		},
	})
}

// EmitPumpDone emits the PumpDoneEvent event
func (info *Info) EmitPumpDone(
	iterations, totalRead, totalWritten int64,
	established bool, err error,
) {
	var operation string
	var wrapper *errwrapper.ErrWrapper
	if errors.As(err, &wrapper) {
		operation = wrapper.Operation
	}
	info.Handler.OnMeasurement(model.Measurement{
		PumpDone: &model.PumpDoneEvent{
			ConnID:       info.ConnID,
			Error:        err,
			Established:  established,
			Failure:      failure(err),
			Iterations:   iterations,
			Operation:    operation,
			Role:         info.Role,
			Time:         info.Since(time.Now()),
			TotalRead:    totalRead,
			TotalWritten: totalWritten,
		},
	})
}

func failure(err error) string {
	if err == nil {
		return ""
	}
	return errwrapper.Classify(err)
}
