// Package thorlabs enables working with Thorlabs handheld optical power meters
package thorlabs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/pm61/scpi"
)

const (
	// TLVID is the Thorlabs vendor ID
	TLVID = 0x1313

	// PowerUnitDBM is the logarithmic power unit, decibels referenced to 1 mW
	PowerUnitDBM = "DBM"

	// PowerUnitW is the linear power unit
	PowerUnitW = "W"
)

// Identity is a parsed *IDN? response
type Identity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	Firmware     string `json:"firmware"`

	// Raw is the response as received
	Raw string `json:"raw"`
}

// ParseIdentity splits a response of the form
// manufacturer,model,serial,firmware.  Missing fields are left blank
func ParseIdentity(s string) Identity {
	id := Identity{Raw: s}
	pieces := strings.SplitN(s, ",", 4)
	fields := []*string{&id.Manufacturer, &id.Model, &id.Serial, &id.Firmware}
	for i, p := range pieces {
		*fields[i] = strings.TrimSpace(p)
	}
	return id
}

func (i Identity) String() string {
	return i.Raw
}

// PMError is a formatible error code from the meter's error queue
type PMError struct {
	Code int
	Msg  string
}

// Error satisfies stdlib error interface
func (e PMError) Error() string {
	if s, ok := PMErrors[e.Code]; ok {
		return fmt.Sprintf("%d - %s", e.Code, s)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%d - %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%d - UNKNOWN ERROR CODE", e.Code)
}

var (
	// PMErrors maps power meter error codes to strings
	PMErrors = map[int]string{
		-100: "COMMAND ERROR",
		-101: "INVALID CHARACTER",
		-102: "SYNTAX ERROR",
		-104: "DATA TYPE ERROR",
		-108: "PARAMETER NOT ALLOWED",
		-109: "MISSING PARAMETER",
		-113: "UNDEFINED HEADER (UNKNOWN COMMAND)",
		-120: "NUMERIC DATA ERROR",
		-131: "INVALID SUFFIX",

		-220: "PARAMETER ERROR",
		-221: "SETTINGS CONFLICT",
		-222: "DATA OUT OF RANGE",
		-230: "DATA CORRUPT OR STALE",
		-240: "HARDWARE ERROR",
		-241: "HARDWARE MISSING",

		-310: "SYSTEM ERROR",
		-313: "CALIBRATION MEMORY LOST",
		-350: "QUEUE OVERFLOW",
		-363: "INPUT BUFFER OVERRUN",

		-400: "QUERY ERROR",
		-410: "QUERY INTERRUPTED",
	}
)

// Bus is the line oriented query/write surface the meter is driven through.
// *scpi.SCPI satisfies it, as does every instrument.Instrument
type Bus interface {
	Write(cmds ...string) error
	ReadString(cmds ...string) (string, error)
}

// PM61 is an interface to a PM61 handheld power meter, or any Thorlabs meter
// speaking the same SCPI dialect
type PM61 struct {
	Bus
}

// NewPM61 creates a new PM61 talking over bus
func NewPM61(bus Bus) *PM61 {
	return &PM61{Bus: bus}
}

func (pm *PM61) readFloat(cmd string) (float64, error) {
	resp, err := pm.ReadString(cmd)
	if err != nil {
		return 0, err
	}
	resp = strings.TrimSpace(resp)
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s answered %q", cmd, resp)
	}
	return f, nil
}

// Identity queries *IDN?
func (pm *PM61) Identity() (Identity, error) {
	s, err := pm.ReadString("*IDN?")
	if err != nil {
		return Identity{}, err
	}
	return ParseIdentity(s), nil
}

// SensorIdentity queries the attached sensor head
func (pm *PM61) SensorIdentity() (string, error) {
	return pm.ReadString("SYST:SENS:IDN?")
}

// BatteryCharge returns the battery state of charge in percent
func (pm *PM61) BatteryCharge() (float64, error) {
	return pm.readFloat("SYST:BATT:SOC?")
}

// SetAutoRange turns automatic power ranging on or off
func (pm *PM61) SetAutoRange(on bool) error {
	return pm.Write("SENS:RANGE:AUTO " + scpi.OnOff(on))
}

// SetRange fixes the power range to the one holding w watts.  Auto ranging
// is turned off by the meter
func (pm *PM61) SetRange(w float64) error {
	return pm.Write("SENS:POW:RANGE " + strconv.FormatFloat(w, 'G', -1, 64))
}

// SetWavelength sets the correction wavelength in nm
func (pm *PM61) SetWavelength(nm float64) error {
	return pm.Write("SENS:CORR:WAV " + strconv.FormatFloat(nm, 'f', -1, 64))
}

// SetUnit sets the unit of power readings, DBM or W
func (pm *PM61) SetUnit(unit string) error {
	u := strings.ToUpper(strings.TrimSpace(unit))
	if u != PowerUnitDBM && u != PowerUnitW {
		return errors.Errorf("power unit must be %s or %s, got %q", PowerUnitDBM, PowerUnitW, unit)
	}
	return pm.Write("SENS:POW:UNIT " + u)
}

// SetReference sets the reference for relative readings, in the current unit
func (pm *PM61) SetReference(ref float64) error {
	return pm.Write("SENS:POW:REF " + strconv.FormatFloat(ref, 'G', -1, 64))
}

// SetRelative turns relative readings on or off
func (pm *PM61) SetRelative(on bool) error {
	return pm.Write("SENS:POW:REF:STAT " + scpi.Flag(on))
}

// Power performs a measurement and returns it in the configured unit
func (pm *PM61) Power() (float64, error) {
	return pm.readFloat("MEAS:POW?")
}

// Beep sounds the meter's buzzer
func (pm *PM61) Beep() error {
	return pm.Write("SYST:BEEP")
}

// PopError gets a single error from the meter's queue, nil if it is empty
func (pm *PM61) PopError() error {
	resp, err := pm.ReadString("SYST:ERR?")
	if err != nil {
		return err
	}
	pieces := strings.SplitN(strings.TrimSpace(resp), ",", 2)
	code, err := strconv.Atoi(strings.TrimPrefix(pieces[0], "+"))
	if err != nil {
		return errors.Wrapf(err, "SYST:ERR? answered %q", resp)
	}
	if code == 0 {
		return nil
	}
	e := PMError{Code: code}
	if len(pieces) == 2 {
		e.Msg = strings.Trim(strings.TrimSpace(pieces[1]), `"`)
	}
	return e
}
