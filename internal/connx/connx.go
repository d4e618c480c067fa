// Package connx contains net.Conn extensions
package connx

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/ooni/tlspump/model"
)

// MeasuringConn is a net.Conn that counts the bytes it moves and,
// when Handler is not nil, emits an event for every Read, Write,
// and Close. The TLS session sits on top of it, hence all the
// counted bytes are ciphertext.
type MeasuringConn struct {
	net.Conn
	Beginning time.Time
	Handler   model.Handler
	ID        int64

	bytesRead    int64
	bytesWritten int64
}

// Read reads data from the connection.
func (c *MeasuringConn) Read(b []byte) (n int, err error) {
	start := time.Now()
	n, err = c.Conn.Read(b)
	stop := time.Now()
	atomic.AddInt64(&c.bytesRead, int64(n))
	if c.Handler != nil {
		c.Handler.OnMeasurement(model.Measurement{
			Read: &model.ReadEvent{
				ConnID:   c.ID,
				Duration: stop.Sub(start),
				Error:    err,
				NumBytes: int64(n),
				Time:     stop.Sub(c.Beginning),
			},
		})
	}
	return
}

// Write writes data to the connection
func (c *MeasuringConn) Write(b []byte) (n int, err error) {
	start := time.Now()
	n, err = c.Conn.Write(b)
	stop := time.Now()
	atomic.AddInt64(&c.bytesWritten, int64(n))
	if c.Handler != nil {
		c.Handler.OnMeasurement(model.Measurement{
			Write: &model.WriteEvent{
				ConnID:   c.ID,
				Duration: stop.Sub(start),
				Error:    err,
				NumBytes: int64(n),
				Time:     stop.Sub(c.Beginning),
			},
		})
	}
	return
}

// Close closes the connection
func (c *MeasuringConn) Close() (err error) {
	start := time.Now()
	err = c.Conn.Close()
	stop := time.Now()
	if c.Handler != nil {
		c.Handler.OnMeasurement(model.Measurement{
			Close: &model.CloseEvent{
				ConnID:   c.ID,
				Duration: stop.Sub(start),
				Error:    err,
				Time:     stop.Sub(c.Beginning),
			},
		})
	}
	return
}

// Counters returns the number of bytes read and written so far.
func (c *MeasuringConn) Counters() (read, written int64) {
	return atomic.LoadInt64(&c.bytesRead), atomic.LoadInt64(&c.bytesWritten)
}
