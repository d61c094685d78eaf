/*Package acquisition drives a power meter through a measurement session:
connect, configure, read, disconnect.  Readings can be converted to
calibrated results with a calibration.Table.

A Session is owned by one goroutine.  Teardown never fails; Disconnect may
be called at any time, any number of times, and always leaves the session
Disconnected.
*/
package acquisition

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/pm61/calibration"
	"github.jpl.nasa.gov/bdube/pm61/instrument"
	"github.jpl.nasa.gov/bdube/pm61/thorlabs"
)

const (
	// DefaultRetries is the number of times a failed exchange is retried
	DefaultRetries = 2

	// maxQueue bounds the error queue entries logged after a failure
	maxQueue = 10

	// MinWavelength and MaxWavelength bound the correction wavelength, nm
	MinWavelength = 500.
	MaxWavelength = 1500.
)

// State is the state of a Session
type State int

const (
	// Disconnected means no instrument is open
	Disconnected State = iota

	// Connected means an instrument is open but readings are not yet allowed
	Connected

	// Configured means readings may be taken
	Configured
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Configured:
		return "Configured"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Settings is the measurement configuration
type Settings struct {
	// Wavelength is the correction wavelength in nm
	Wavelength float64 `json:"wavelength"`

	// Unit is DBM or W, case insensitive
	Unit string `json:"unit"`

	// AutoRange lets the meter choose its range.  If false, Range is used
	AutoRange bool `json:"autoRange"`

	// Range is the fixed power range in W
	Range float64 `json:"range"`

	// Relative makes readings relative to Reference, in Unit
	Relative  bool    `json:"relative"`
	Reference float64 `json:"reference"`

	// Beep sounds the buzzer before every reading.  Off by default
	Beep bool `json:"beep"`
}

// DefaultSettings auto ranges at 870 nm in dBm
func DefaultSettings() Settings {
	return Settings{Wavelength: 870, Unit: thorlabs.PowerUnitDBM, AutoRange: true}
}

// Measurement is a reading converted through a calibration table
type Measurement struct {
	Raw          float64   `json:"raw"`
	RawUnit      string    `json:"rawUnit"`
	Value        float64   `json:"value"`
	Unit         string    `json:"unit"`
	Metric       string    `json:"metric"`
	Extrapolated bool      `json:"extrapolated"`
	Time         time.Time `json:"time"`
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger, logrus' standard logger by default
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.log = l }
}

// WithSelector sets the resource selection strategy, FirstMatch by default
func WithSelector(sel Selector) Option {
	return func(s *Session) { s.sel = sel }
}

// WithRetries sets how many times a failed exchange is retried
func WithRetries(n int) Option {
	return func(s *Session) {
		if n < 0 {
			n = 0
		}
		s.retries = n
	}
}

// WithWavelengthLimits overrides the accepted wavelength range, nm
func WithWavelengthLimits(min, max float64) Option {
	return func(s *Session) { s.minWL, s.maxWL = min, max }
}

// withBackoff sets the first retry interval, used by tests
func withBackoff(d time.Duration) Option {
	return func(s *Session) { s.initialInterval = d }
}

// Session is a measurement session with one instrument
type Session struct {
	mgr     instrument.Manager
	log     logrus.FieldLogger
	sel     Selector
	retries int
	minWL   float64
	maxWL   float64

	initialInterval time.Duration

	state    State
	mgrInUse bool
	inst     instrument.Instrument
	pm       *thorlabs.PM61
	res      instrument.Resource
	settings Settings
}

// New creates a Disconnected session using mgr to find the instrument
func New(mgr instrument.Manager, opts ...Option) *Session {
	s := &Session{
		mgr:             mgr,
		log:             logrus.StandardLogger(),
		sel:             FirstMatch(),
		retries:         DefaultRetries,
		minWL:           MinWavelength,
		maxWL:           MaxWavelength,
		initialInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Resource returns the resource in use, or the zero Resource
func (s *Session) Resource() instrument.Resource {
	return s.res
}

// Settings returns the settings most recently applied by Configure
func (s *Session) Settings() Settings {
	return s.settings
}

// retry runs fn until it succeeds or the retries are spent
func (s *Session) retry(op string, fn func() error) error {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     s.initialInterval,
		RandomizationFactor: 0.1,
		Multiplier:          2.,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Clock:               backoff.SystemClock,
	}
	notify := func(err error, d time.Duration) {
		s.log.WithError(err).WithField("op", op).Warnf("retrying in %v", d)
	}
	err := backoff.RetryNotify(fn, backoff.WithMaxRetries(policy, uint64(s.retries)), notify)
	if err != nil {
		return &InstrumentIOError{Op: op, Err: err}
	}
	return nil
}

// Connect finds, selects and opens an instrument.  Connecting an already
// connected session does nothing
func (s *Session) Connect() error {
	if s.state != Disconnected {
		return nil
	}
	res, err := s.mgr.List()
	s.mgrInUse = true
	if err != nil {
		return &InstrumentIOError{Op: "list resources", Err: err}
	}
	for _, r := range res {
		s.log.WithField("resource", r.Addr).Debug("found instrument")
	}
	if len(res) == 0 {
		return &NoDeviceError{}
	}
	r, ok := s.sel(res, s.log)
	if !ok {
		return &NoDeviceError{Found: len(res)}
	}
	inst, err := s.mgr.Open(r)
	if err != nil {
		return &InstrumentIOError{Op: "open " + r.Addr, Err: err}
	}
	pm := thorlabs.NewPM61(inst)
	var id thorlabs.Identity
	err = s.retry("identify", func() error {
		var err error
		id, err = pm.Identity()
		return err
	})
	if err != nil {
		s.closeInstrument(inst)
		return err
	}
	log := s.log.WithField("resource", r.Addr)
	log.WithField("identity", id.Raw).Info("connected")
	if sensor, err := pm.SensorIdentity(); err != nil {
		log.WithError(err).Warn("could not identify sensor")
	} else {
		log.WithField("sensor", sensor).Info("sensor attached")
	}
	s.inst, s.pm, s.res = inst, pm, r
	s.state = Connected
	return nil
}

// validate checks settings without touching the instrument and returns
// them with the unit normalised
func (s *Session) validate(st Settings) (Settings, error) {
	if math.IsNaN(st.Wavelength) || st.Wavelength < s.minWL || st.Wavelength > s.maxWL {
		return st, &InvalidSettingError{Setting: "wavelength", Value: st.Wavelength,
			Reason: "must be between " + ftoa(s.minWL) + " and " + ftoa(s.maxWL) + " nm"}
	}
	st.Unit = strings.ToUpper(strings.TrimSpace(st.Unit))
	if st.Unit != thorlabs.PowerUnitDBM && st.Unit != thorlabs.PowerUnitW {
		return st, &InvalidSettingError{Setting: "unit", Value: st.Unit, Reason: "must be DBM or W"}
	}
	if !st.AutoRange && !(st.Range > 0) {
		return st, &InvalidSettingError{Setting: "range", Value: st.Range, Reason: "must be a positive power in W"}
	}
	if st.Relative && (math.IsNaN(st.Reference) || math.IsInf(st.Reference, 0)) {
		return st, &InvalidSettingError{Setting: "reference", Value: st.Reference, Reason: "must be finite"}
	}
	return st, nil
}

type step struct {
	op string
	fn func() error
}

// Configure validates and applies settings.  It may be called again to
// change them.  On a transport failure the session drops back to Connected
func (s *Session) Configure(st Settings) error {
	if s.state == Disconnected {
		return &NotConnectedError{Op: "configure"}
	}
	st, err := s.validate(st)
	if err != nil {
		return err
	}
	steps := []step{
		{"set range", func() error {
			if st.AutoRange {
				return s.pm.SetAutoRange(true)
			}
			return s.pm.SetRange(st.Range)
		}},
		{"set wavelength", func() error { return s.pm.SetWavelength(st.Wavelength) }},
		{"set unit", func() error { return s.pm.SetUnit(st.Unit) }},
	}
	if st.Relative {
		steps = append(steps, step{"set reference", func() error { return s.pm.SetReference(st.Reference) }})
	}
	steps = append(steps, step{"set relative", func() error { return s.pm.SetRelative(st.Relative) }})
	for _, x := range steps {
		if err := s.retry(x.op, x.fn); err != nil {
			s.state = Connected
			s.logDeviceErrors()
			return err
		}
	}
	s.settings = st
	s.state = Configured
	s.log.WithFields(logrus.Fields{
		"wavelength": st.Wavelength,
		"unit":       st.Unit,
		"autoRange":  st.AutoRange,
		"range":      st.Range,
		"relative":   st.Relative,
	}).Info("configured")
	return nil
}

// logDeviceErrors pops the meter's error queue into the log, at most
// maxQueue entries
func (s *Session) logDeviceErrors() {
	for i := 0; i < maxQueue; i++ {
		err := s.pm.PopError()
		if err == nil {
			return
		}
		pe, ok := err.(thorlabs.PMError)
		if !ok {
			s.log.WithError(err).Warn("could not read the error queue")
			return
		}
		s.log.WithFields(logrus.Fields{"code": pe.Code, "msg": pe.Msg}).Warn(pe.Error())
	}
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// readable returns the state error for op, if readings are not allowed
func (s *Session) readable(op string) error {
	switch s.state {
	case Disconnected:
		return &NotConnectedError{Op: op}
	case Connected:
		return &NotConfiguredError{Op: op}
	}
	return nil
}

// TakeReading measures power in the configured unit
func (s *Session) TakeReading() (float64, error) {
	if err := s.readable("take reading"); err != nil {
		return 0, err
	}
	if s.settings.Beep {
		if err := s.retry("beep", s.pm.Beep); err != nil {
			return 0, err
		}
	}
	var p float64
	err := s.retry("measure power", func() error {
		var err error
		p, err = s.pm.Power()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"power": p, "unit": s.settings.Unit}).Debug("reading")
	return p, nil
}

// checkUnit rejects a table whose unit is itself a power unit other than
// the configured one
func (s *Session) checkUnit(t *calibration.Table) error {
	tu := strings.ToUpper(t.Unit())
	if (tu == thorlabs.PowerUnitDBM || tu == thorlabs.PowerUnitW) && tu != s.settings.Unit {
		return &calibration.UnitMismatchError{Metric: t.Metric(), Want: t.Unit(), Got: s.settings.Unit}
	}
	return nil
}

// Measure takes a reading and converts it through t.  A table whose unit
// is itself a power unit must match the configured unit
func (s *Session) Measure(t *calibration.Table) (Measurement, error) {
	if err := s.readable("measure"); err != nil {
		return Measurement{}, err
	}
	if err := s.checkUnit(t); err != nil {
		return Measurement{}, err
	}
	raw, err := s.TakeReading()
	if err != nil {
		return Measurement{}, err
	}
	return s.Convert(t, raw)
}

// Convert converts a reading already taken through t
func (s *Session) Convert(t *calibration.Table, raw float64) (Measurement, error) {
	if err := s.readable("convert"); err != nil {
		return Measurement{}, err
	}
	if err := s.checkUnit(t); err != nil {
		return Measurement{}, err
	}
	est := t.Lookup(raw)
	m := Measurement{
		Raw:          raw,
		RawUnit:      s.settings.Unit,
		Value:        est.Value,
		Unit:         est.Unit,
		Metric:       t.Metric(),
		Extrapolated: est.Extrapolated,
		Time:         time.Now(),
	}
	if m.Extrapolated {
		lo, hi := t.Bounds()
		s.log.WithFields(logrus.Fields{
			"metric":  m.Metric,
			"reading": raw,
			"min":     lo,
			"max":     hi,
		}).Warn("reading outside calibrated range, result extrapolated")
	}
	return m, nil
}

// BatteryCharge returns the meter's state of charge in percent
func (s *Session) BatteryCharge() (float64, error) {
	if s.state == Disconnected {
		return 0, &NotConnectedError{Op: "battery charge"}
	}
	var soc float64
	err := s.retry("battery charge", func() error {
		var err error
		soc, err = s.pm.BatteryCharge()
		return err
	})
	return soc, err
}

// Identity queries the instrument's identity string
func (s *Session) Identity() (string, error) {
	if s.state == Disconnected {
		return "", &NotConnectedError{Op: "identity"}
	}
	var id thorlabs.Identity
	err := s.retry("identify", func() error {
		var err error
		id, err = s.pm.Identity()
		return err
	})
	return id.Raw, err
}

// Beep sounds the meter's buzzer
func (s *Session) Beep() error {
	if s.state == Disconnected {
		return &NotConnectedError{Op: "beep"}
	}
	return s.retry("beep", s.pm.Beep)
}

func (s *Session) closeInstrument(inst instrument.Instrument) {
	if err := inst.Close(); err != nil {
		s.log.WithError(err).Warn("closing instrument")
	}
}

// Disconnect closes the instrument, then the manager.  Failures are logged,
// never returned
func (s *Session) Disconnect() {
	if s.inst != nil {
		s.closeInstrument(s.inst)
		s.log.WithField("resource", s.res.Addr).Info("disconnected")
	}
	if s.mgrInUse {
		if err := s.mgr.Close(); err != nil {
			s.log.WithError(err).Warn("closing resource manager")
		}
	}
	s.inst, s.pm, s.res = nil, nil, instrument.Resource{}
	s.mgrInUse = false
	s.state = Disconnected
}
