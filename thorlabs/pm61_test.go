package thorlabs_test

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/pm61/comm"
	"github.jpl.nasa.gov/bdube/pm61/scpi"
	"github.jpl.nasa.gov/bdube/pm61/thorlabs"
)

// meter is a fake PM61 that answers from a table and records commands
type meter struct {
	mu      sync.Mutex
	replies map[string]string
	sent    []string
	out     bytes.Buffer
}

func (m *meter) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := strings.TrimRight(string(b), "\n")
	m.sent = append(m.sent, cmd)
	if r, ok := m.replies[cmd]; ok {
		m.out.WriteString(r + "\n")
	}
	return len(b), nil
}

func (m *meter) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out.Len() == 0 {
		return 0, io.EOF
	}
	return m.out.Read(b)
}

func (m *meter) Close() error { return nil }

func newPM(m *meter) *thorlabs.PM61 {
	maker := func() (io.ReadWriteCloser, error) {
		return comm.Wrap(m, '\n', '\n', time.Second), nil
	}
	return thorlabs.NewPM61(&scpi.SCPI{Pool: comm.NewPool(1, time.Minute, maker)})
}

func TestConfigurationCommands(t *testing.T) {
	m := &meter{}
	pm := newPM(m)
	steps := []func() error{
		func() error { return pm.SetAutoRange(true) },
		func() error { return pm.SetWavelength(870) },
		func() error { return pm.SetUnit("dbm") },
		func() error { return pm.SetRange(0.001) },
		func() error { return pm.SetReference(-3) },
		func() error { return pm.SetRelative(true) },
		pm.Beep,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}
	truth := []string{
		"SENS:RANGE:AUTO ON",
		"SENS:CORR:WAV 870",
		"SENS:POW:UNIT DBM",
		"SENS:POW:RANGE 0.001",
		"SENS:POW:REF -3",
		"SENS:POW:REF:STAT 1",
		"SYST:BEEP",
	}
	if len(m.sent) != len(truth) {
		t.Fatalf("expected %q, got %q", truth, m.sent)
	}
	for i := range truth {
		if m.sent[i] != truth[i] {
			t.Errorf("command %d: expected %q got %q", i, truth[i], m.sent[i])
		}
	}
}

func TestSetUnitRejectsUnknown(t *testing.T) {
	m := &meter{}
	pm := newPM(m)
	if err := pm.SetUnit("furlongs"); err == nil {
		t.Error("expected an error for an unknown unit")
	}
	if len(m.sent) != 0 {
		t.Errorf("nothing should be sent for a bad unit, sent %q", m.sent)
	}
}

func TestQueries(t *testing.T) {
	m := &meter{replies: map[string]string{
		"*IDN?":          "Thorlabs,PM61,M00912345,1.0.4",
		"SYST:SENS:IDN?": "S121C,20021234,12-Jan-2023,1,18,289",
		"SYST:BATT:SOC?": "87.5",
		"MEAS:POW?":      "-12.25",
	}}
	pm := newPM(m)
	id, err := pm.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if id.Manufacturer != "Thorlabs" || id.Model != "PM61" || id.Serial != "M00912345" || id.Firmware != "1.0.4" {
		t.Errorf("unexpected identity %+v", id)
	}
	sens, err := pm.SensorIdentity()
	if err != nil || !strings.HasPrefix(sens, "S121C") {
		t.Errorf("unexpected sensor identity %q %v", sens, err)
	}
	soc, err := pm.BatteryCharge()
	if err != nil || soc != 87.5 {
		t.Errorf("expected 87.5, got %v %v", soc, err)
	}
	p, err := pm.Power()
	if err != nil || p != -12.25 {
		t.Errorf("expected -12.25, got %v %v", p, err)
	}
}

func TestPMErrorText(t *testing.T) {
	if s := (thorlabs.PMError{Code: -222}).Error(); s != "-222 - DATA OUT OF RANGE" {
		t.Errorf("unexpected text %q", s)
	}
	if s := (thorlabs.PMError{Code: 77, Msg: "Sensor missing"}).Error(); s != "77 - Sensor missing" {
		t.Errorf("unexpected text %q", s)
	}
}

func TestPopError(t *testing.T) {
	m := &meter{replies: map[string]string{"SYST:ERR?": `-222,"Data out of range"`}}
	pm := newPM(m)
	err := pm.PopError()
	pmErr, ok := err.(thorlabs.PMError)
	if !ok || pmErr.Code != -222 {
		t.Fatalf("expected PMError -222, got %v", err)
	}
	m.replies["SYST:ERR?"] = `0,"No error"`
	if err := pm.PopError(); err != nil {
		t.Errorf("expected an empty queue, got %v", err)
	}
}

func ExampleParseIdentity() {
	id := thorlabs.ParseIdentity("Thorlabs,PM61,M00912345,1.0.4")
	fmt.Println(id.Model, id.Serial)
	// Output: PM61 M00912345
}
