package instrument

import (
	"io/ioutil"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ErrClosed is returned by a simulated instrument used after Close
var ErrClosed = errors.New("instrument is closed")

// SimDevice describes one simulated power meter
type SimDevice struct {
	Serial   string  `koanf:"serial" yaml:"serial"`
	Identity string  `koanf:"identity" yaml:"identity"`
	Sensor   string  `koanf:"sensor" yaml:"sensor"`
	Battery  float64 `koanf:"battery" yaml:"battery"`

	// Powers are returned by successive MEAS:POW? queries, cycling
	Powers []float64 `koanf:"powers" yaml:"powers"`

	// Errors makes a command always fail, keyed by its header
	// such as MEAS:POW? or SENS:CORR:WAV
	Errors map[string]string `koanf:"errors" yaml:"errors"`

	// Flaky makes a command fail this many times before it succeeds
	Flaky map[string]int `koanf:"flaky" yaml:"flaky"`

	// Queue holds entries such as -222,"Data out of range" answered by
	// SYST:ERR? in order, before it reports no error
	Queue []string `koanf:"queue" yaml:"queue"`
}

// SimConfig is the configuration of a simulated resource manager
type SimConfig struct {
	Devices []SimDevice `koanf:"devices" yaml:"devices"`

	// ListError, OpenError and CloseError make the manager's
	// methods fail with the given message
	ListError  string `koanf:"list_error" yaml:"list_error"`
	OpenError  string `koanf:"open_error" yaml:"open_error"`
	CloseError string `koanf:"close_error" yaml:"close_error"`
}

// DefaultSimConfig is a single healthy PM61
func DefaultSimConfig() SimConfig {
	return SimConfig{Devices: []SimDevice{{
		Serial:   "SIM00001",
		Identity: "Thorlabs,PM61,SIM00001,1.0.0",
		Sensor:   "S121C,SIM00001,01-Jan-2023,1,18,289",
		Battery:  87,
		Powers:   []float64{-12.5, -12.4, -12.6},
	}}}
}

// LoadSimConfig reads a SimConfig from a YAML file
func LoadSimConfig(path string) (SimConfig, error) {
	var c SimConfig
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading simulator configuration")
	}
	err = yaml.Unmarshal(b, &c)
	return c, errors.Wrapf(err, "parsing %s", path)
}

// Sim is a Manager of simulated meters.  Every command sent to any of its
// instruments is recorded
type Sim struct {
	cfg SimConfig

	mu     sync.Mutex
	sent   []string
	opened int
	closed bool
	flaky  map[string]int
}

// NewSim returns a simulated resource manager
func NewSim(cfg SimConfig) *Sim {
	return &Sim{cfg: cfg, flaky: map[string]int{}}
}

// SimAddr formats a simulated resource string
func SimAddr(serial string) string {
	return "SIM::" + serial + "::INSTR"
}

// List returns a resource for each configured device
func (s *Sim) List() ([]Resource, error) {
	if s.cfg.ListError != "" {
		return nil, errors.New(s.cfg.ListError)
	}
	out := make([]Resource, len(s.cfg.Devices))
	for i, d := range s.cfg.Devices {
		out[i] = Resource{Addr: SimAddr(d.Serial), Serial: d.Serial, Description: "simulated " + d.Identity}
	}
	return out, nil
}

// Open opens a simulated device
func (s *Sim) Open(r Resource) (Instrument, error) {
	if s.cfg.OpenError != "" {
		return nil, errors.New(s.cfg.OpenError)
	}
	for i := range s.cfg.Devices {
		d := &s.cfg.Devices[i]
		if SimAddr(d.Serial) == r.Addr {
			s.mu.Lock()
			s.opened++
			for k, v := range d.Flaky {
				s.flaky[d.Serial+k] = v
			}
			s.mu.Unlock()
			return &SimInstrument{
				sim:        s,
				dev:        d,
				unit:       "W",
				wavelength: 1064,
				queue:      append([]string(nil), d.Queue...),
			}, nil
		}
	}
	return nil, errors.Errorf("no simulated device at %s", r.Addr)
}

// Close marks the manager closed
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.cfg.CloseError != "" {
		return errors.New(s.cfg.CloseError)
	}
	return nil
}

// Sent returns every command sent so far, in order
func (s *Sim) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Opened returns the number of times a device has been opened
func (s *Sim) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Closed returns true once Close has been called
func (s *Sim) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SimInstrument is an opened simulated meter
type SimInstrument struct {
	sim *Sim
	dev *SimDevice

	// guarded by sim.mu
	closed     bool
	unit       string
	wavelength float64
	next       int
	queue      []string
}

func header(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		return cmd[:i]
	}
	return cmd
}

// do records cmd and returns the simulated reply.  sim.mu must be held
func (i *SimInstrument) do(cmd string) (string, error) {
	i.sim.sent = append(i.sim.sent, cmd)
	if i.closed {
		return "", ErrClosed
	}
	hdr := header(cmd)
	if msg, ok := i.dev.Errors[hdr]; ok {
		return "", errors.New(msg)
	}
	key := i.dev.Serial + hdr
	if n := i.sim.flaky[key]; n > 0 {
		i.sim.flaky[key] = n - 1
		return "", errors.Errorf("%s: simulated transient failure", hdr)
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, hdr))
	switch strings.ToUpper(hdr) {
	case "*IDN?":
		return i.dev.Identity, nil
	case "SYST:SENS:IDN?":
		return i.dev.Sensor, nil
	case "SYST:BATT:SOC?":
		return strconv.FormatFloat(i.dev.Battery, 'f', -1, 64), nil
	case "MEAS:POW?":
		if len(i.dev.Powers) == 0 {
			return "0", nil
		}
		p := i.dev.Powers[i.next%len(i.dev.Powers)]
		i.next++
		return strconv.FormatFloat(p, 'E', 6, 64), nil
	case "SENS:CORR:WAV?":
		return strconv.FormatFloat(i.wavelength, 'f', -1, 64), nil
	case "SENS:POW:UNIT?":
		return i.unit, nil
	case "SYST:ERR?":
		if len(i.queue) > 0 {
			e := i.queue[0]
			i.queue = i.queue[1:]
			return e, nil
		}
		return `0,"No error"`, nil
	case "SENS:CORR:WAV":
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return "", errors.Errorf("-222,\"Data out of range\" (%q)", arg)
		}
		i.wavelength = f
	case "SENS:POW:UNIT":
		i.unit = strings.ToUpper(arg)
	case "SENS:RANGE:AUTO", "SENS:POW:RANGE", "SENS:POW:REF", "SENS:POW:REF:STAT", "SYST:BEEP", "*CLS", "*RST":
	default:
		return "", errors.Errorf("-113,\"Undefined header\" (%s)", hdr)
	}
	return "", nil
}

// Write sends the commands joined by spaces
func (i *SimInstrument) Write(cmds ...string) error {
	i.sim.mu.Lock()
	defer i.sim.mu.Unlock()
	_, err := i.do(strings.Join(cmds, " "))
	return err
}

// ReadString sends the commands joined by spaces and returns the reply
func (i *SimInstrument) ReadString(cmds ...string) (string, error) {
	i.sim.mu.Lock()
	defer i.sim.mu.Unlock()
	return i.do(strings.Join(cmds, " "))
}

// Close marks the instrument closed.  Closing twice returns ErrClosed
func (i *SimInstrument) Close() error {
	i.sim.mu.Lock()
	defer i.sim.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	i.closed = true
	return nil
}
