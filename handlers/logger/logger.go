// Package logger is a handler that emits logs
package logger

import (
	"crypto/tls"

	"github.com/apex/log"
	"github.com/ooni/tlspump/model"
)

var (
	tlsVersion = map[uint16]string{
		tls.VersionTLS10: "TLSv1",
		tls.VersionTLS11: "TLSv1.1",
		tls.VersionTLS12: "TLSv1.2",
		tls.VersionTLS13: "TLSv1.3",
	}
)

// Handler is a handler that logs events.
type Handler struct {
	logger log.Interface
}

// NewHandler returns a new logging handler.
func NewHandler(logger log.Interface) *Handler {
	return &Handler{logger: logger}
}

// OnMeasurement logs the specific measurement
func (h *Handler) OnMeasurement(m model.Measurement) {
	// Connection setup
	if m.Accept != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor":    m.Accept.Duration,
			"connID":        m.Accept.ConnID,
			"elapsed":       m.Accept.Time,
			"error":         m.Accept.Error,
			"localAddress":  m.Accept.LocalAddress,
			"remoteAddress": m.Accept.RemoteAddress,
			"role":          m.Accept.Role,
		}).Info("net: accept done")
	}
	if m.Connect != nil {
		h.logger.WithFields(log.Fields{
			"attempts":      m.Connect.Attempts,
			"blockedFor":    m.Connect.Duration,
			"connID":        m.Connect.ConnID,
			"elapsed":       m.Connect.Time,
			"error":         m.Connect.Error,
			"network":       m.Connect.Network,
			"remoteAddress": m.Connect.RemoteAddress,
			"role":          m.Connect.Role,
		}).Info("net: connect done")
	}

	// Syscalls
	if m.Read != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Read.Duration,
			"connID":     m.Read.ConnID,
			"elapsed":    m.Read.Time,
			"numBytes":   m.Read.NumBytes,
		}).Debug("net: read done")
	}
	if m.Write != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Write.Duration,
			"connID":     m.Write.ConnID,
			"elapsed":    m.Write.Time,
			"numBytes":   m.Write.NumBytes,
		}).Debug("net: write done")
	}
	if m.Close != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Close.Duration,
			"connID":     m.Close.ConnID,
			"elapsed":    m.Close.Time,
		}).Debug("net: close done")
	}

	// Pump
	if m.PumpIteration != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor":    m.PumpIteration.Duration,
			"connID":        m.PumpIteration.ConnID,
			"elapsed":       m.PumpIteration.Time,
			"error":         m.PumpIteration.Error,
			"isHandshaking": m.PumpIteration.Flags.IsHandshaking,
			"iteration":     m.PumpIteration.Iteration,
			"numBytesRead":  m.PumpIteration.NumBytesRead,
			"numBytesWrite": m.PumpIteration.NumBytesWritten,
			"role":          m.PumpIteration.Role,
			"wantsRead":     m.PumpIteration.Flags.WantsRead,
			"wantsWrite":    m.PumpIteration.Flags.WantsWrite,
		}).Info("pump: iteration done")
	}
	if m.HandshakeDone != nil {
		h.logger.WithFields(log.Fields{
			"alpn":      m.HandshakeDone.ConnectionState.NegotiatedProtocol,
			"connID":    m.HandshakeDone.ConnID,
			"elapsed":   m.HandshakeDone.Time,
			"iteration": m.HandshakeDone.Iteration,
			"role":      m.HandshakeDone.Role,
			"version":   tlsVersion[m.HandshakeDone.ConnectionState.Version],
		}).Warn("tls: handshake complete")
	}
	if m.ApplicationData != nil {
		h.logger.WithFields(log.Fields{
			"connID":    m.ApplicationData.ConnID,
			"elapsed":   m.ApplicationData.Time,
			"iteration": m.ApplicationData.Iteration,
			"numBytes":  m.ApplicationData.NumBytes,
			"role":      m.ApplicationData.Role,
		}).Info("tls: got application data")
	}
	if m.PumpDone != nil {
		h.logger.WithFields(log.Fields{
			"connID":       m.PumpDone.ConnID,
			"elapsed":      m.PumpDone.Time,
			"error":        m.PumpDone.Error,
			"established":  m.PumpDone.Established,
			"iterations":   m.PumpDone.Iterations,
			"operation":    m.PumpDone.Operation,
			"role":         m.PumpDone.Role,
			"totalRead":    m.PumpDone.TotalRead,
			"totalWritten": m.PumpDone.TotalWritten,
		}).Error("pump: done")
	}
}
