/*Package instrument is the boundary between an acquisition session and the
hardware.  A Manager finds and opens resources, analogous to a VISA resource
manager; an Instrument is an opened resource that can be written to and
queried with line oriented commands.

Managers are provided for USB (USBTMC), raw TCP sockets, RS232 ports, and a
simulator that needs no hardware.
*/
package instrument

import (
	"fmt"
	"io"
	"time"

	"github.jpl.nasa.gov/bdube/pm61/comm"
	"github.jpl.nasa.gov/bdube/pm61/scpi"
)

// DefaultTimeout bounds every transfer with a real instrument
const DefaultTimeout = 3 * time.Second

// idleTimeout is how long an opened connection may sit unused before the
// pool releases it.  It is re-opened on next use
const idleTimeout = 5 * time.Minute

// Instrument is an opened resource
type Instrument interface {
	// Write sends the commands joined by spaces as one message
	Write(cmds ...string) error

	// ReadString sends the commands as one message and returns the reply
	// without its terminator
	ReadString(cmds ...string) (string, error)

	// Close releases the resource
	Close() error
}

// Resource is an addressable instrument found by a Manager
type Resource struct {
	// Addr is a VISA style resource string, such as
	// USB0::0x1313::0x8078::P0012345::INSTR
	Addr string `json:"addr"`

	// Serial is the instrument's serial number, if the transport reveals it
	Serial string `json:"serial"`

	// Description is a human readable summary, such as the product string
	Description string `json:"description"`
}

func (r Resource) String() string {
	if r.Description == "" {
		return r.Addr
	}
	return fmt.Sprintf("%s (%s)", r.Addr, r.Description)
}

// Manager discovers and opens resources
type Manager interface {
	// List returns the resources currently available
	List() ([]Resource, error)

	// Open opens one of the resources returned by List
	Open(Resource) (Instrument, error)

	// Close releases anything held by the manager itself
	Close() error
}

// SCPI is an Instrument speaking SCPI over a pool of framed connections
type SCPI struct {
	scpi.SCPI
}

// Close releases the pool and any open connection in it
func (s *SCPI) Close() error {
	return s.Pool.Close()
}

// openSCPI builds a single connection pool from raw, framing every
// connection with newlines and bounding it by timeout.  The connection is
// made immediately so that Open reports a missing device.  With handshake,
// every exchange also pops the device error queue.
func openSCPI(raw func() (io.ReadWriteCloser, error), timeout time.Duration, handshake bool) (*SCPI, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maker := func() (io.ReadWriteCloser, error) {
		conn, err := raw()
		if err != nil {
			return nil, err
		}
		return comm.Wrap(conn, '\n', '\n', timeout), nil
	}
	pool := comm.NewPool(1, idleTimeout, maker)
	conn, err := pool.Get()
	if err != nil {
		pool.Close()
		return nil, err
	}
	pool.Put(conn)
	return &SCPI{scpi.SCPI{Pool: pool, Handshaking: handshake}}, nil
}
