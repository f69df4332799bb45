package throttle

import (
	"errors"
	"io"
	"net"
)

var ErrClosed = errors.New("throttle monitor closed")

// Reader counts and caps everything read through it against a Monitor. Only bytes actually read
// are counted, in the period the read returns.
type Reader struct {
	R io.Reader
	M *Monitor
}

func (me Reader) Read(b []byte) (n int, err error) {
	if len(b) == 0 {
		return me.R.Read(b)
	}
	avail := me.M.available(len(b))
	if avail == 0 {
		return 0, ErrClosed
	}
	n, err = me.R.Read(b[:avail])
	me.M.Add(n)
	return
}

// Writer counts and caps everything written through it against a Monitor. A single Write may be
// split across several periods.
type Writer struct {
	W io.Writer
	M *Monitor
}

func (me Writer) Write(b []byte) (n int, err error) {
	for len(b) != 0 {
		avail := me.M.available(len(b))
		if avail == 0 {
			err = ErrClosed
			return
		}
		var n1 int
		n1, err = me.W.Write(b[:avail])
		me.M.Add(n1)
		n += n1
		b = b[n1:]
		if err != nil {
			return
		}
	}
	return
}

// Conn throttles reads and writes of a net.Conn through separate monitors. Either may be nil,
// in which case that direction passes straight through.
type Conn struct {
	net.Conn
	ReadMonitor  *Monitor
	WriteMonitor *Monitor
}

func (c Conn) Read(b []byte) (int, error) {
	if c.ReadMonitor == nil {
		return c.Conn.Read(b)
	}
	return Reader{c.Conn, c.ReadMonitor}.Read(b)
}

func (c Conn) Write(b []byte) (int, error) {
	if c.WriteMonitor == nil {
		return c.Conn.Write(b)
	}
	return Writer{c.Conn, c.WriteMonitor}.Write(b)
}
