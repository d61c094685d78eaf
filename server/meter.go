package server

import (
	"go/types"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/pm61/acquisition"
	"github.jpl.nasa.gov/bdube/pm61/calibration"
)

// Meter exposes an acquisition session and a set of calibration tables
// over HTTP.  Requests are served one at a time
type Meter struct {
	mu     sync.Mutex
	sess   *acquisition.Session
	cals   calibration.Set
	access *Access
}

// NewMeter wraps a session, which should already be configured.  cals may
// be nil
func NewMeter(sess *acquisition.Session, cals calibration.Set, log logrus.FieldLogger) *Meter {
	return &Meter{sess: sess, cals: cals, access: NewAccess(log)}
}

// status maps an error to an HTTP status code
func status(err error) int {
	var (
		nc  *acquisition.NotConnectedError
		ncf *acquisition.NotConfiguredError
		nf  *calibration.NotFoundError
		um  *calibration.UnitMismatchError
	)
	switch {
	case errors.As(err, &nc), errors.As(err, &ncf):
		return http.StatusServiceUnavailable
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &um):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Close detaches the session.  It waits for the request being served, and
// later requests are answered 503, so the session can then be disconnected
func (m *Meter) Close() {
	m.mu.Lock()
	m.sess = nil
	m.mu.Unlock()
}

// with runs fn on the session while holding the lock
func (m *Meter) with(op string, fn func(*acquisition.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return &acquisition.NotConnectedError{Op: op}
	}
	return fn(m.sess)
}

func (m *Meter) getFloat(op string, fcn func(*acquisition.Session) (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f float64
		err := m.with(op, func(s *acquisition.Session) error {
			var err error
			f, err = fcn(s)
			return err
		})
		if err != nil {
			http.Error(w, err.Error(), status(err))
			return
		}
		hp := HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// Power takes a reading, {"f64": power}
func (m *Meter) Power() http.HandlerFunc {
	return m.getFloat("take reading", (*acquisition.Session).TakeReading)
}

// Battery returns the state of charge, {"f64": percent}
func (m *Meter) Battery() http.HandlerFunc {
	return m.getFloat("battery charge", (*acquisition.Session).BatteryCharge)
}

// Identity returns the identity string, {"str": idn}
func (m *Meter) Identity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var str string
		err := m.with("identity", func(s *acquisition.Session) error {
			var err error
			str, err = s.Identity()
			return err
		})
		if err != nil {
			http.Error(w, err.Error(), status(err))
			return
		}
		hp := HumanPayload{T: types.String, String: str}
		hp.EncodeAndRespond(w, r)
	}
}

// Beep sounds the buzzer
func (m *Meter) Beep() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := m.with("beep", (*acquisition.Session).Beep)
		if err != nil {
			http.Error(w, err.Error(), status(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Calibrations lists the calibrated metrics, {"strs": [...]}
func (m *Meter) Calibrations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics := m.cals.Metrics()
		if metrics == nil {
			metrics = []string{}
		}
		hp := HumanPayload{T: types.UntypedNil, Strings: metrics}
		hp.EncodeAndRespond(w, r)
	}
}

// Calibrated takes a reading and converts it through the table named by the
// metric URL parameter, responding with the JSON Measurement
func (m *Meter) Calibrated() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metric := chi.URLParam(r, "metric")
		t, ok := m.cals.Get(metric)
		if !ok {
			err := &calibration.NotFoundError{Metric: metric}
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		var meas acquisition.Measurement
		err := m.with("measure", func(s *acquisition.Session) error {
			var err error
			meas, err = s.Measure(t)
			return err
		})
		if err != nil {
			http.Error(w, err.Error(), status(err))
			return
		}
		RespondJSON(w, meas)
	}
}

// RouteTable returns the meter's routes, including the claim routes
func (m *Meter) RouteTable() RouteTable {
	rt := RouteTable{
		{http.MethodGet, "/power"}:               m.Power(),
		{http.MethodGet, "/battery"}:             m.Battery(),
		{http.MethodGet, "/identity"}:            m.Identity(),
		{http.MethodPost, "/beep"}:               m.Beep(),
		{http.MethodGet, "/calibrations"}:        m.Calibrations(),
		{http.MethodGet, "/calibrated/{metric}"}: m.Calibrated(),
	}
	for k, v := range m.access.RouteTable() {
		rt[k] = v
	}
	return rt
}

// Router returns a chi router serving the meter's routes below stem, such as
// /pm61.  An empty stem serves them at the root
func (m *Meter) Router(stem string) chi.Router {
	root := chi.NewRouter()
	sub := chi.NewRouter()
	m.RouteTable().Bind(sub)
	if stem == "" || stem == "/" {
		return sub
	}
	root.Mount(stem, sub)
	return root
}
