package instrument

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/pm61/comm"
)

// DefaultBaud is the baud rate used when a SerialManager does not set one
const DefaultBaud = 115200

// TCPManager serves a fixed list of raw SCPI sockets, host:port.  There is no
// discovery; every address is listed whether or not anything answers there
type TCPManager struct {
	Addrs     []string
	Timeout   time.Duration
	Handshake bool
}

// TCPAddr formats a socket resource string
func TCPAddr(hostport string) string {
	host, port := hostport, ""
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host, port = hostport[:i], hostport[i+1:]
	}
	return "TCPIP0::" + host + "::" + port + "::SOCKET"
}

func parseTCPAddr(addr string) (string, error) {
	pieces := strings.Split(addr, "::")
	if len(pieces) != 4 || !strings.HasPrefix(pieces[0], "TCPIP") || pieces[3] != "SOCKET" {
		return "", errors.Errorf("%q is not a TCP socket resource", addr)
	}
	return pieces[1] + ":" + pieces[2], nil
}

// List returns the configured addresses
func (m *TCPManager) List() ([]Resource, error) {
	out := make([]Resource, len(m.Addrs))
	for i, a := range m.Addrs {
		out[i] = Resource{Addr: TCPAddr(a), Description: "SCPI socket " + a}
	}
	return out, nil
}

// Open dials r
func (m *TCPManager) Open(r Resource) (Instrument, error) {
	hostport, err := parseTCPAddr(r.Addr)
	if err != nil {
		return nil, err
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	raw := func() (io.ReadWriteCloser, error) {
		return comm.Dial(hostport, timeout)
	}
	return openSCPI(raw, timeout, m.Handshake)
}

// Close is a no-op
func (m *TCPManager) Close() error {
	return nil
}

// SerialManager serves a fixed list of RS232 ports such as /dev/ttyUSB0
type SerialManager struct {
	Ports     []string
	Baud      int
	Timeout   time.Duration
	Handshake bool
}

// List returns the configured ports
func (m *SerialManager) List() ([]Resource, error) {
	out := make([]Resource, len(m.Ports))
	for i, p := range m.Ports {
		out[i] = Resource{Addr: "ASRL" + p + "::INSTR", Description: "serial port " + p}
	}
	return out, nil
}

// Open opens the port named by r
func (m *SerialManager) Open(r Resource) (Instrument, error) {
	if !strings.HasPrefix(r.Addr, "ASRL") || !strings.HasSuffix(r.Addr, "::INSTR") {
		return nil, errors.Errorf("%q is not a serial resource", r.Addr)
	}
	port := strings.TrimSuffix(strings.TrimPrefix(r.Addr, "ASRL"), "::INSTR")
	baud := m.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	raw := func() (io.ReadWriteCloser, error) {
		return comm.OpenSerial(port, baud, timeout)
	}
	return openSCPI(raw, timeout, m.Handshake)
}

// Close is a no-op
func (m *SerialManager) Close() error {
	return nil
}
