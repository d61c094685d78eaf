// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.jpl.nasa.gov/bdube/pm61/comm"
)

const (
	// frameSize is the read buffer for one response; longer responses are
	// assembled from several reads
	frameSize = 1500

	// noError is the prefix of SYST:ERR? when the queue is empty
	noError = "+0"
)

// DeviceError is an entry popped from the device's error queue, such as
// -113,"Undefined header"
type DeviceError struct {
	Code int
	Msg  string
}

func (e *DeviceError) Error() string {
	return strconv.Itoa(e.Code) + "," + strconv.Quote(e.Msg)
}

// parseDeviceError converts a SYST:ERR? response into a DeviceError, or nil
// if the response reports no error
func parseDeviceError(s string) error {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, noError) || s == "0" || strings.HasPrefix(s, "0,") {
		return nil
	}
	pieces := strings.SplitN(s, ",", 2)
	code, err := strconv.Atoi(strings.TrimSpace(pieces[0]))
	if err != nil {
		return &DeviceError{Code: -1, Msg: s}
	}
	e := &DeviceError{Code: code}
	if len(pieces) == 2 {
		e.Msg = strings.Trim(strings.TrimSpace(pieces[1]), `"`)
	}
	return e
}

// OnOff formats a boolean as ON or OFF
func OnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// Flag formats a boolean as 1 or 0
func Flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// SCPI is a type for encapsulating SCPI communication.
//
// Connections in the pool must already be framed with newline terminators
// and bounded by a timeout, see comm.Wrap.
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	_, err := s.exchange(cmds, false, s.Handshaking)
	return err
}

// exchange performs one write, and a read if the command is a query or
// handshaking is on.  The connection is destroyed if anything goes wrong
// on the wire, since its framing state is no longer known.
func (s *SCPI) exchange(cmds []string, query, handshake bool) ([]byte, error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	var ioErr error
	defer func() { s.Pool.ReturnWithError(conn, ioErr) }()

	if handshake {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	if _, ioErr = io.WriteString(conn, str); ioErr != nil {
		return nil, ioErr
	}
	if !query && !handshake {
		return nil, nil
	}
	var resp []byte
	resp, ioErr = readLine(conn)
	if ioErr != nil {
		return nil, ioErr
	}
	resp = comm.TrimTerminators(resp)
	if !handshake {
		return resp, nil
	}
	// the error query answers last, after a ';'
	idx := bytes.LastIndexByte(resp, ';')
	errS := string(resp[idx+1:])
	if err := parseDeviceError(errS); err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, nil
	}
	return resp[:idx], nil
}

// readLine reads until a newline, across as many reads as it takes
func readLine(r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, frameSize)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			return out, err
		}
		if n > 0 && buf[n-1] == '\n' {
			return out, nil
		}
	}
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.exchange(cmds, true, s.Handshaking)
	if err != nil {
		return "", err
	}
	return string(comm.TrimTerminators(resp)), nil
}
