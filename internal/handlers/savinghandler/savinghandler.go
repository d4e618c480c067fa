// Package savinghandler contains a handler that saves measurements
package savinghandler

import (
	"sync"
	"time"

	"github.com/ooni/tlspump/model"
)

// Handler is a handler that saves measurements
type Handler struct {
	all []model.Measurement
	mu  sync.Mutex
}

// OnMeasurement saves the emitted measurement
func (h *Handler) OnMeasurement(m model.Measurement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all = append(h.all, m)
}

// Read returns a copy of the measurements saved so far.
func (h *Handler) Read() []model.Measurement {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Measurement{}, h.all...)
}

// Wait polls the saved measurements until check returns true or
// the given number of polls have been made, and returns whether
// check has returned true. The interval between polls is fixed.
func (h *Handler) Wait(polls int, interval time.Duration, check func([]model.Measurement) bool) bool {
	for i := 0; i < polls; i++ {
		if check(h.Read()) {
			return true
		}
		time.Sleep(interval)
	}
	return check(h.Read())
}
