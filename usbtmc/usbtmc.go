/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices.  This is a 'minimum viable product' for the bulk
transfer mode on Thorlabs handheld power meters.

It does not, for example, include features to support multi-packet
messaging, and thus assumes your data fits in the remote's buffer.

It also does not implement the control endpoint requests (INITIATE_CLEAR,
READ_STATUS_BYTE and friends).

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Allocate a receipt buffer
2.  Create a read header and send it on the Out endpoint
3.  Read from the In endpoint and strip the header

These macros are implemented as Write() and Read() on the concrete USB type
defined in this package, which is an io.ReadWriteCloser.
*/
package usbtmc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	alignment = 4

	// bufSize is the largest transfer requested from the device
	bufSize = 1500

	msgDevDepMsgOut       = 0x01
	msgRequestDevDepMsgIn = 0x02
	msgDevDepMsgIn        = 0x02
	eom                   = 0x01
	termCharEnabled       = 0x02
	defaultTermChar       = '\n'
)

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 0, min: 1}
}

// nextbTag returns the next tag in 1..255; zero is not a legal bTag
func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	// ^ is bitwise exclusive OR.  Comparing with 0xff (all 1s) is the bitwise inversion
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	out := [headerSize]byte{} // this is an array, not a slice.  Fixed size, will live on the stack
	/* data map by offset:
	0 MsgID, 1 byte, here hardcoded to 1; devDepMsgOut
	1 bTag, a single byte 1 <= x <= 255, unique and incrementing with each message
	2 bTagInverse, a single byte, the bitwise inverse of bTag.  Can be calculated with invbTag
	3 Reserved (0x00)
	4-11 command message specific
	---
	In the case of devDepMsgOut, 4-11 look like:
	4-7 transferSize,
		total number of message data bytes exclusive of the header and alignment.
		LSB first, > 0
	8 bitmap
		bits 7..1 0 (reserved)
		bit 0 EOM, if bit(0) == 1, this is the last message in the stream else not the end of stream
		boils down to 0x00 if not end of message, 0x01 if end of message
	9-11 reserved
	*/
	out[0] = msgDevDepMsgOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = eom // every message fits in one transfer
	out[9] = reserved
	out[10] = reserved
	out[11] = reserved
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	/* this differs from BulkOut by bytes 8~11
	8 bitmap
		bits 7..2 0 (reserved)
		bit 1 termination character enabled,
		if 1 datagram must end on term char
		if 0 device must ignore termination char
	9 terminator byte
	10~11 reserved
	*/
	out[0] = msgRequestDevDepMsgIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = termCharEnabled
		out[9] = *terminator
	}
	out[10] = reserved
	out[11] = reserved
	return out
}

// frame prepends a bulk-out header to data and pads to the 4 byte alignment
func frame(tag byte, data []byte) []byte {
	hdr := encBulkOutHeader(tag, len(data))
	out := make([]byte, 0, headerSize+len(data)+alignment)
	out = append(out, hdr[:]...) // [:] array => slice of underlying values
	out = append(out, data...)
	if residual := len(out) % alignment; residual > 0 {
		// make zero fills the padding
		out = append(out, make([]byte, alignment-residual)...)
	}
	return out
}

// BulkInResponse is the response from a bulk input read, split into header and payload
type BulkInResponse struct {
	// Header is the header bytes that are prepended to the data
	Header []byte

	// Data is the actual datagram body, without alignment padding
	Data []byte

	// EOM is true if this is the last transfer of the message
	EOM bool
}

// decBulkIn checks a DEV_DEP_MSG_IN transfer against the tag that requested
// it and splits it into header and payload
func decBulkIn(tag byte, buf []byte) (BulkInResponse, error) {
	var out BulkInResponse
	if len(buf) < headerSize {
		return out, fmt.Errorf("only received %d bytes, need at least %d to form header", len(buf), headerSize)
	}
	hdr := buf[:headerSize]
	if hdr[0] != msgDevDepMsgIn {
		return out, fmt.Errorf("unexpected MsgID %#02x in bulk-in header", hdr[0])
	}
	if hdr[1] != tag || hdr[2] != invbTag(tag) {
		return out, fmt.Errorf("bulk-in bTag %d does not match request %d", hdr[1], tag)
	}
	size := int(binary.LittleEndian.Uint32(hdr[4:8]))
	body := buf[headerSize:]
	if size > len(body) {
		return out, fmt.Errorf("header announces %d bytes, transfer carried %d", size, len(body))
	}
	out.Header = hdr
	out.Data = body[:size]
	out.EOM = hdr[8]&eom == eom
	return out, nil
}

// Info describes a USB device without claiming it
type Info struct {
	VID          uint16
	PID          uint16
	Serial       string
	Manufacturer string
	Product      string
}

// USBDevice is a struct hiding the details of USB and exposing an io.ReadWriteCloser interface
type USBDevice struct {
	tagger  *bTagGen
	ctx     *gousb.Context
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	device  *gousb.Device
	closer  func()
	pending []byte
	mu      sync.Mutex
}

// Find lists the devices with the given vendor ID and any of the given
// product IDs.  An empty pids matches every product of the vendor.
func Find(vid uint16, pids ...uint16) ([]Info, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	devs, err := ctx.OpenDevices(matcher(vid, pids))
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, errors.Wrap(err, "enumerating USB devices")
	}
	out := make([]Info, 0, len(devs))
	for _, d := range devs {
		info := Info{VID: uint16(d.Desc.Vendor), PID: uint16(d.Desc.Product)}
		// descriptor strings are best effort, some devices stall on them
		info.Serial, _ = d.SerialNumber()
		info.Manufacturer, _ = d.Manufacturer()
		info.Product, _ = d.Product()
		out = append(out, info)
	}
	return out, nil
}

func matcher(vid uint16, pids []uint16) func(*gousb.DeviceDesc) bool {
	return func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != gousb.ID(vid) {
			return false
		}
		if len(pids) == 0 {
			return true
		}
		for _, pid := range pids {
			if desc.Product == gousb.ID(pid) {
				return true
			}
		}
		return false
	}
}

// Open claims the device with the given vendor and product ID.  If serial is
// not empty, only the device with that serial number is opened.
func Open(vid, pid uint16, serial string) (*USBDevice, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(matcher(vid, []uint16{pid}))
	var chosen *gousb.Device
	for _, d := range devs {
		if chosen == nil {
			if serial == "" {
				chosen = d
				continue
			}
			if s, serr := d.SerialNumber(); serr == nil && s == serial {
				chosen = d
				continue
			}
		}
		d.Close()
	}
	if chosen == nil {
		ctx.Close()
		if err != nil {
			return nil, errors.Wrap(err, "opening USB device")
		}
		return nil, fmt.Errorf("no USB device %04x:%04x with serial %q", vid, pid, serial)
	}
	d, err := claim(ctx, chosen)
	if err != nil {
		chosen.Close()
		ctx.Close()
		return nil, err
	}
	return d, nil
}

// claim takes the default interface of dev and locates its bulk endpoints
func claim(ctx *gousb.Context, dev *gousb.Device) (*USBDevice, error) {
	out := &USBDevice{tagger: newBTagGen(), ctx: ctx, device: dev}
	err := dev.SetAutoDetach(true)
	if err != nil {
		return nil, errors.Wrap(err, "detaching kernel driver")
	}
	iface, done, err := dev.DefaultInterface()
	if err != nil {
		return nil, errors.Wrap(err, "claiming USB interface")
	}
	out.closer = done
	inNum, outNum := -1, -1
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		done()
		return nil, errors.New("USB interface has no bulk in/out endpoint pair")
	}
	out.in, err = iface.InEndpoint(inNum)
	if err != nil {
		done()
		return nil, err
	}
	out.out, err = iface.OutEndpoint(outNum)
	if err != nil {
		done()
		return nil, err
	}
	return out, nil
}

// Write sends b as a single DEV_DEP_MSG_OUT transfer
func (d *USBDevice) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg := frame(d.tagger.nextbTag(), b)
	n, err := d.out.Write(msg)
	if err != nil {
		return 0, err
	}
	if n < len(msg) {
		return 0, fmt.Errorf("wrote %d of %d bytes to USB", n, len(msg))
	}
	return len(b), nil
}

// Read copies the next part of the device's reply into b, requesting a new
// transfer from the device when nothing is buffered
func (d *USBDevice) Read(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		resp, err := d.transfer()
		if err != nil {
			return 0, err
		}
		d.pending = resp.Data
	}
	n := copy(b, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// transfer requests and reads one bulk-in transfer
func (d *USBDevice) transfer() (BulkInResponse, error) {
	var out BulkInResponse
	tag := d.tagger.nextbTag()
	term := byte(defaultTermChar)
	hdr := encBulkInHeader(tag, bufSize-headerSize, &term)
	n, err := d.out.Write(hdr[:]) // [:] fixed size array to byte slice
	if err != nil {               // problem in transmission
		return out, err
	}
	if n < headerSize { // incomplete transmission
		nOld := n
		// attempt a second write
		n, err = d.out.Write(hdr[n:])
		if err != nil {
			return out, err
		}
		if total := n + nOld; total != headerSize {
			return out, fmt.Errorf("wrote %d bytes, not full %d required to transmit read request", total, headerSize)
		}
	}
	// if this line was reached, the entire request succeeded, now we can actually do the read
	buf := make([]byte, bufSize)
	n, err = d.in.Read(buf)
	if err != nil {
		return out, err
	}
	return decBulkIn(tag, buf[:n])
}

// Close releases the interface, the device, and the USB context
func (d *USBDevice) Close() error {
	if d.closer != nil {
		d.closer()
	}
	err := d.device.Close()
	if cerr := d.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}
