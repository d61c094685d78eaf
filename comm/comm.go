/*Package comm provides connection plumbing for lab hardware: dialing with
retry, message framing, bounded transfers, and a connection pool.

Most usages of this package boil down to:
	1.  write a CreationFunc that opens the raw connection (Dial, OpenSerial,
		or a USB device) and passes it through Wrap
	2.  hand the CreationFunc to NewPool
	3.  Get a connection from the pool for each exchange and give it back
		with ReturnWithError

A minimal example for a sensor that answers "RD?" over TCP:

	maker := func() (io.ReadWriteCloser, error) {
		conn, err := comm.Dial("192.168.100.123:2006", 3*time.Second)
		if err != nil {
			return nil, err
		}
		return comm.Wrap(conn, '\r', '\r', 3*time.Second), nil
	}
	pool := comm.NewPool(1, time.Minute, maker)
*/
package comm

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

var (
	// ErrTimeout is generated when a transfer does not complete in time
	ErrTimeout = errors.New("timeout communicating with remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Dial opens a TCP connection to addr.  Connection attempts are retried with
// exponential backoff for a few seconds, since some controllers do not like
// being connection thrashed; a refused connection fails immediately.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	var (
		conn    net.Conn
		lastErr error
	)
	op := func() error {
		c, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			lastErr = err
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return nil
			}
			return err
		}
		conn = c
		return nil
	}

	// backoff stops retrying at MaxElapsedTime so we don't wait forever
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if conn != nil {
		return conn, nil
	}
	if err == nil {
		err = lastErr
	}
	return nil, errors.Wrapf(err, "connecting to %s", addr)
}

// OpenSerial opens an RS232 port such as /dev/ttyUSB0 or COM3
func OpenSerial(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port %s", name)
	}
	return port, nil
}

// Terminator frames messages.  Writes have the Tx byte appended if it is
// not already present, and each Read returns data up to and including the
// Rx byte.
type Terminator struct {
	w       io.Writer
	r       *bufio.Reader
	tx, rx  byte
	pending []byte
}

// NewTerminator wraps rw with message termination
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{w: rw, r: bufio.NewReader(rw), tx: tx, rx: rx}
}

// Write sends b followed by the Tx terminator
func (t *Terminator) Write(b []byte) (int, error) {
	n := len(b)
	if n == 0 || b[n-1] != t.tx {
		b = append(b[:n:n], t.tx)
	}
	_, err := t.w.Write(b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Read copies the next message, including the Rx terminator, into b.
// A message longer than b is returned over several calls.
func (t *Terminator) Read(b []byte) (int, error) {
	if len(t.pending) == 0 {
		msg, err := t.r.ReadBytes(t.rx)
		if err != nil {
			if len(msg) == 0 {
				return 0, err
			}
			if err == io.EOF {
				err = ErrTerminatorNotFound
			}
			n := copy(b, msg)
			return n, err
		}
		t.pending = msg
	}
	n := copy(b, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Timeout bounds every Read and Write on the wrapped ReadWriter.
// Connections with deadlines (net.Conn) use them; anything else is watched
// from another goroutine, and a transfer that overruns is abandoned.  An
// abandoned connection must be discarded, not reused.
type Timeout struct {
	rw io.ReadWriter
	d  time.Duration
}

// NewTimeout wraps rw so that transfers fail with ErrTimeout after d
func NewTimeout(rw io.ReadWriter, d time.Duration) (*Timeout, error) {
	if d <= 0 {
		return nil, errors.Errorf("timeout must be positive, got %v", d)
	}
	return &Timeout{rw: rw, d: d}, nil
}

type result struct {
	n   int
	err error
	buf []byte
}

// Read reads from the wrapped ReadWriter within the timeout
func (t *Timeout) Read(b []byte) (int, error) {
	if dl, ok := t.rw.(deadliner); ok {
		if err := dl.SetReadDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
		n, err := t.rw.Read(b)
		return n, timeoutErr(err)
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, len(b))
		n, err := t.rw.Read(buf)
		ch <- result{n: n, err: err, buf: buf}
	}()
	timer := time.NewTimer(t.d)
	defer timer.Stop()
	select {
	case r := <-ch:
		copy(b, r.buf[:r.n])
		return r.n, r.err
	case <-timer.C:
		return 0, ErrTimeout
	}
}

// Write writes to the wrapped ReadWriter within the timeout
func (t *Timeout) Write(b []byte) (int, error) {
	if dl, ok := t.rw.(deadliner); ok {
		if err := dl.SetWriteDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
		n, err := t.rw.Write(b)
		return n, timeoutErr(err)
	}
	ch := make(chan result, 1)
	buf := append([]byte(nil), b...)
	go func() {
		n, err := t.rw.Write(buf)
		ch <- result{n: n, err: err}
	}()
	timer := time.NewTimer(t.d)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-timer.C:
		return 0, ErrTimeout
	}
}

func timeoutErr(err error) error {
	if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
		return ErrTimeout
	}
	return err
}

type wrapped struct {
	io.ReadWriter
	io.Closer
}

// Wrap frames conn with tx and rx terminators and bounds every transfer on
// it by timeout.  Close closes conn.
func Wrap(conn io.ReadWriteCloser, tx, rx byte, timeout time.Duration) io.ReadWriteCloser {
	tm, err := NewTimeout(conn, timeout)
	if err != nil {
		// a non-positive timeout means unbounded
		return wrapped{NewTerminator(conn, tx, rx), conn}
	}
	return wrapped{NewTerminator(tm, tx, rx), conn}
}

// TrimTerminators strips trailing CR and LF bytes from a response
func TrimTerminators(b []byte) []byte {
	return bytes.TrimRight(b, "\r\n")
}
