package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.jpl.nasa.gov/bdube/pm61/acquisition"
	"github.jpl.nasa.gov/bdube/pm61/calibration"
	"github.jpl.nasa.gov/bdube/pm61/instrument"
	"github.jpl.nasa.gov/bdube/pm61/server"
)

func newMeter(t *testing.T, configure bool) http.Handler {
	t.Helper()
	log, _ := test.NewNullLogger()
	sess := acquisition.New(instrument.NewSim(instrument.DefaultSimConfig()), acquisition.WithLogger(log))
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	if configure {
		if err := sess.Configure(acquisition.DefaultSettings()); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(sess.Disconnect)
	tbl, err := calibration.New("volume", []calibration.Point{
		{Reading: -20, Result: 1, Unit: "mL"},
		{Reading: -10, Result: 2, Unit: "mL"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return server.NewMeter(sess, calibration.Set{"volume": tbl}, log).Router("/pm61")
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPowerRoute(t *testing.T) {
	h := newMeter(t, true)
	rec := get(t, h, http.MethodGet, "/pm61/power")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body)
	}
	var f server.FloatT
	if err := json.NewDecoder(rec.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != -12.5 {
		t.Errorf("expected -12.5, got %v", f.F64)
	}
}

func TestPowerRouteNotConfigured(t *testing.T) {
	h := newMeter(t, false)
	rec := get(t, h, http.MethodGet, "/pm61/power")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestBatteryAndIdentityRoutes(t *testing.T) {
	h := newMeter(t, false)
	rec := get(t, h, http.MethodGet, "/pm61/battery")
	var f server.FloatT
	json.NewDecoder(rec.Body).Decode(&f)
	if rec.Code != http.StatusOK || f.F64 != 87 {
		t.Errorf("expected 87, got %d %v", rec.Code, f.F64)
	}
	rec = get(t, h, http.MethodGet, "/pm61/identity")
	var s server.StrT
	json.NewDecoder(rec.Body).Decode(&s)
	if s.Str != "Thorlabs,PM61,SIM00001,1.0.0" {
		t.Errorf("unexpected identity %q", s.Str)
	}
	if rec := get(t, h, http.MethodPost, "/pm61/beep"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 from beep, got %d", rec.Code)
	}
	if rec := get(t, h, http.MethodGet, "/pm61/beep"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 from GET beep, got %d", rec.Code)
	}
}

func TestCalibratedRoute(t *testing.T) {
	h := newMeter(t, true)
	rec := get(t, h, http.MethodGet, "/pm61/calibrated/volume")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body)
	}
	var m acquisition.Measurement
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Value != 1.75 || m.Unit != "mL" || m.Metric != "volume" || m.Extrapolated {
		t.Errorf("unexpected measurement %+v", m)
	}
	if rec := get(t, h, http.MethodGet, "/pm61/calibrated/mass"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown metric, got %d", rec.Code)
	}
}

func TestCalibrationsAndRouteList(t *testing.T) {
	h := newMeter(t, true)
	rec := get(t, h, http.MethodGet, "/pm61/calibrations")
	var s server.StrsT
	json.NewDecoder(rec.Body).Decode(&s)
	if diff := cmp.Diff([]string{"volume"}, s.Strs); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
	rec = get(t, h, http.MethodGet, "/pm61/list-of-routes")
	s = server.StrsT{}
	json.NewDecoder(rec.Body).Decode(&s)
	want := []string{
		"GET /battery",
		"GET /calibrated/{metric}",
		"GET /calibrations",
		"GET /claim",
		"GET /identity",
		"GET /power",
		"POST /beep",
		"POST /claim",
		"POST /release",
	}
	if diff := cmp.Diff(want, s.Strs); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
}

func TestClaimAndRelease(t *testing.T) {
	h := newMeter(t, false)
	check := func() server.Claim {
		t.Helper()
		var c server.Claim
		rec := get(t, h, http.MethodGet, "/pm61/claim")
		if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
			t.Fatal(err)
		}
		return c
	}
	if c := check(); c.Busy {
		t.Errorf("new meter is claimed: %+v", c)
	}

	req := httptest.NewRequest(http.MethodPost, "/pm61/claim", strings.NewReader(`{"user": "jdoe"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from claim, got %d %s", rec.Code, rec.Body)
	}
	if c := check(); !c.Busy || c.User != "jdoe" || c.Since.IsZero() {
		t.Errorf("claim not recorded: %+v", c)
	}

	if rec := get(t, h, http.MethodPost, "/pm61/release"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 from release, got %d", rec.Code)
	}
	if c := check(); c.Busy || c.User != "" {
		t.Errorf("release did not clear the claim: %+v", c)
	}
}

func TestClaimRejectsBadBody(t *testing.T) {
	h := newMeter(t, false)
	for _, body := range []string{"not json", `{"user": ""}`} {
		req := httptest.NewRequest(http.MethodPost, "/pm61/claim", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestCloseDetachesSessionBeforeDisconnect(t *testing.T) {
	log, _ := test.NewNullLogger()
	sess := acquisition.New(instrument.NewSim(instrument.DefaultSimConfig()), acquisition.WithLogger(log))
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Configure(acquisition.DefaultSettings()); err != nil {
		t.Fatal(err)
	}
	meter := server.NewMeter(sess, nil, log)
	h := meter.Router("/pm61")

	var wg sync.WaitGroup
	codes := make(chan int, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/pm61/power", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes <- rec.Code
		}()
	}
	meter.Close()
	sess.Disconnect()
	wg.Wait()
	close(codes)
	for c := range codes {
		if c != http.StatusOK && c != http.StatusServiceUnavailable {
			t.Errorf("expected 200 or 503 while closing, got %d", c)
		}
	}
	if rec := get(t, h, http.MethodGet, "/pm61/power"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after Close, got %d", rec.Code)
	}
}
