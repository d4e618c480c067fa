// Package metrics contains a model.Handler exporting Prometheus metrics.
package metrics

//
// Metrics definitions
//

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ooni/tlspump/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// summaryObjectives returns the summary objectives for promauto.NewSummaryVec.
func summaryObjectives() map[float64]float64 {
	return map[float64]float64{
		0.25: 0.010,
		0.5:  0.010,
		0.75: 0.010,
		0.9:  0.010,
		0.99: 0.001,
	}
}

// Handler is a model.Handler that updates metrics living in a
// private registry. Use HTTPHandler to export them.
type Handler struct {
	registry *prometheus.Registry

	// iterations counts the pump iterations.
	iterations *prometheus.CounterVec

	// bytesRead counts the ciphertext bytes read by the pump.
	bytesRead *prometheus.CounterVec

	// bytesWritten counts the ciphertext bytes written by the pump.
	bytesWritten *prometheus.CounterVec

	// handshakes counts the completed handshakes.
	handshakes *prometheus.CounterVec

	// handshakeSeconds summarizes the time from connection setup
	// to handshake completion.
	handshakeSeconds *prometheus.SummaryVec

	// failures counts the pump terminations by failure.
	failures *prometheus.CounterVec

	mu    sync.Mutex
	setup map[int64]time.Duration
}

// NewHandler creates a new Handler with a fresh registry.
func NewHandler() *Handler {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Handler{
		registry: registry,
		iterations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tlspump_pump_iterations_total",
			Help: "Total number of pump iterations",
		}, []string{"role"}),
		bytesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tlspump_bytes_read_total",
			Help: "Total number of ciphertext bytes read by the pump",
		}, []string{"role"}),
		bytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tlspump_bytes_written_total",
			Help: "Total number of ciphertext bytes written by the pump",
		}, []string{"role"}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tlspump_handshakes_total",
			Help: "Total number of completed TLS handshakes",
		}, []string{"role"}),
		handshakeSeconds: factory.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "tlspump_handshake_duration_seconds",
			Help:       "Summarizes the time to complete the TLS handshake (in seconds)",
			Objectives: summaryObjectives(),
		}, []string{"role"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tlspump_pump_failures_total",
			Help: "Total number of pump terminations",
		}, []string{"role", "failure"}),
		setup: make(map[int64]time.Duration),
	}
}

// Registry returns the registry containing our metrics.
func (h *Handler) Registry() *prometheus.Registry {
	return h.registry
}

// HTTPHandler returns the handler serving the metrics.
func (h *Handler) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// OnMeasurement updates the metrics.
func (h *Handler) OnMeasurement(m model.Measurement) {
	if m.Accept != nil && m.Accept.Error == nil {
		h.connectionReady(m.Accept.ConnID, m.Accept.Time)
	}
	if m.Connect != nil && m.Connect.Error == nil {
		h.connectionReady(m.Connect.ConnID, m.Connect.Time)
	}
	if m.PumpIteration != nil {
		role := string(m.PumpIteration.Role)
		h.iterations.WithLabelValues(role).Inc()
		h.bytesRead.WithLabelValues(role).Add(float64(m.PumpIteration.NumBytesRead))
		h.bytesWritten.WithLabelValues(role).Add(float64(m.PumpIteration.NumBytesWritten))
	}
	if m.HandshakeDone != nil {
		role := string(m.HandshakeDone.Role)
		h.handshakes.WithLabelValues(role).Inc()
		elapsed := m.HandshakeDone.Time - h.takeSetup(m.HandshakeDone.ConnID)
		h.handshakeSeconds.WithLabelValues(role).Observe(elapsed.Seconds())
	}
	if m.PumpDone != nil {
		h.failures.WithLabelValues(string(m.PumpDone.Role), failureLabel(m.PumpDone.Failure)).Inc()
		h.takeSetup(m.PumpDone.ConnID)
	}
}

// failureLabel drops the error message from unknown failures.
func failureLabel(failure string) string {
	if strings.HasPrefix(failure, "unknown_failure") {
		return "unknown_failure"
	}
	return failure
}

func (h *Handler) connectionReady(connID int64, t time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setup[connID] = t
}

// takeSetup returns and forgets the setup time of connID, or
// zero when we did not see the connection being set up.
func (h *Handler) takeSetup(connID int64) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.setup[connID]
	delete(h.setup, connID)
	return t
}
