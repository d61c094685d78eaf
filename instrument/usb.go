package instrument

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/pm61/thorlabs"
	"github.jpl.nasa.gov/bdube/pm61/usbtmc"
)

// USBManager finds USBTMC instruments on the local USB busses
type USBManager struct {
	// VID is the vendor ID to look for, thorlabs.TLVID if zero
	VID uint16

	// PIDs restricts the product IDs.  Empty matches every product of VID
	PIDs []uint16

	// Timeout bounds each transfer, DefaultTimeout if zero
	Timeout time.Duration

	// Handshake checks SYSTem:ERRor? after every exchange
	Handshake bool
}

func (m *USBManager) vid() uint16 {
	if m.VID == 0 {
		return thorlabs.TLVID
	}
	return m.VID
}

// USBAddr formats a USB resource string
func USBAddr(vid, pid uint16, serial string) string {
	return fmt.Sprintf("USB0::0x%04X::0x%04X::%s::INSTR", vid, pid, serial)
}

// ParseUSBAddr is the inverse of USBAddr
func ParseUSBAddr(addr string) (vid, pid uint16, serial string, err error) {
	pieces := strings.Split(addr, "::")
	if len(pieces) < 4 || !strings.HasPrefix(pieces[0], "USB") {
		return 0, 0, "", errors.Errorf("%q is not a USB resource", addr)
	}
	v, err := strconv.ParseUint(pieces[1], 0, 16)
	if err != nil {
		return 0, 0, "", errors.Wrapf(err, "vendor ID of %q", addr)
	}
	p, err := strconv.ParseUint(pieces[2], 0, 16)
	if err != nil {
		return 0, 0, "", errors.Wrapf(err, "product ID of %q", addr)
	}
	return uint16(v), uint16(p), pieces[3], nil
}

// List enumerates matching devices without claiming them
func (m *USBManager) List() ([]Resource, error) {
	infos, err := usbtmc.Find(m.vid(), m.PIDs...)
	if err != nil {
		return nil, err
	}
	out := make([]Resource, len(infos))
	for i, info := range infos {
		desc := strings.TrimSpace(info.Manufacturer + " " + info.Product)
		out[i] = Resource{
			Addr:        USBAddr(info.VID, info.PID, info.Serial),
			Serial:      info.Serial,
			Description: desc,
		}
	}
	return out, nil
}

// Open claims the device named by r
func (m *USBManager) Open(r Resource) (Instrument, error) {
	vid, pid, serial, err := ParseUSBAddr(r.Addr)
	if err != nil {
		return nil, err
	}
	raw := func() (io.ReadWriteCloser, error) {
		dev, err := usbtmc.Open(vid, pid, serial)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	return openSCPI(raw, m.Timeout, m.Handshake)
}

// Close is a no-op; each device owns its USB context
func (m *USBManager) Close() error {
	return nil
}
