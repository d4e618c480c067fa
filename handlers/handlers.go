// Package handlers contains default model.Handler handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/m-lab/go/rtx"
	"github.com/ooni/tlspump/model"
)

// JSONHandler writes each measurement as a line of JSON.
type JSONHandler struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONHandler creates a JSONHandler writing on w.
func NewJSONHandler(w io.Writer) *JSONHandler {
	return &JSONHandler{w: w}
}

// OnMeasurement writes m on the underlying writer.
func (h *JSONHandler) OnMeasurement(m model.Measurement) {
	data, err := json.Marshal(m)
	rtx.Must(err, "unexpected json.Marshal failure")
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.w, "%s\n", string(data))
}

// StdoutHandler is a Handler that logs on stdout.
var StdoutHandler = NewJSONHandler(os.Stdout)

type noHandler struct{}

func (noHandler) OnMeasurement(model.Measurement) {}

// NoHandler is a Handler that does not print anything
var NoHandler noHandler

// Fanout is a Handler that forwards each measurement to all the
// handlers it contains, in order.
type Fanout []model.Handler

// OnMeasurement forwards m to all handlers.
func (f Fanout) OnMeasurement(m model.Measurement) {
	for _, h := range f {
		h.OnMeasurement(m)
	}
}
