/*Package calibration converts raw instrument readings into physical results
using per-metric lookup tables.

A table is a set of (reading, result) points sharing one result unit.  Queries
between two points are linearly interpolated; queries outside the table are
extrapolated along the nearest edge segment and flagged as such.  A query that
lands on a stored reading returns the stored result exactly.

Tables are loaded from row-oriented CSV files named CAL_<metric>.csv, with
columns Reading, Result, and Unit:

	Reading,Result,Unit
	-30.2,0.5,mL
	-28.9,1.0,mL

Policies for degenerate tables:
	- zero points is a load error (InsufficientDataError)
	- a single point is a constant; every query returns its result
	- two points with the same reading is a load error (DuplicateReadingError)
	- points with different units is a load error (UnitMismatchError)

Tables are immutable once built and may be shared between goroutines.
*/
package calibration

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Point is a single calibration point
type Point struct {
	// Reading is the raw value reported by the instrument
	Reading float64 `json:"reading"`

	// Result is the true physical value for Reading
	Result float64 `json:"result"`

	// Unit is the unit of Result
	Unit string `json:"unit"`
}

// Estimate is the answer to a table query
type Estimate struct {
	// Reading is the query
	Reading float64 `json:"reading"`

	// Value is the estimated result
	Value float64 `json:"value"`

	// Unit is the table's unit
	Unit string `json:"unit"`

	// Extrapolated is true when Reading lies outside the table, or differs
	// from the only point of a single-point table
	Extrapolated bool `json:"extrapolated"`
}

// Table is an immutable, sorted calibration table for one metric
type Table struct {
	metric   string
	unit     string
	points   []Point
	readings []float64 // points[i].Reading, for binary search
}

var errNotFinite = errors.New("value is not finite")

// New builds a table from points in any order, applying the same validation
// as Load.  Point i is reported as row i+1 in errors.
func New(metric string, points []Point) (*Table, error) {
	rows := make([]int, len(points))
	for i := range rows {
		rows[i] = i + 1
	}
	return build(metric, points, rows)
}

// build validates and sorts points.  rows[i] is the source row of points[i].
func build(metric string, points []Point, rows []int) (*Table, error) {
	if len(points) == 0 {
		return nil, &InsufficientDataError{Metric: metric}
	}
	unit := points[0].Unit
	for i, p := range points {
		if math.IsNaN(p.Reading) || math.IsInf(p.Reading, 0) {
			return nil, &ParseError{Metric: metric, Row: rows[i], Column: ColReading, Value: fmtFloat(p.Reading), Err: errNotFinite}
		}
		if math.IsNaN(p.Result) || math.IsInf(p.Result, 0) {
			return nil, &ParseError{Metric: metric, Row: rows[i], Column: ColResult, Value: fmtFloat(p.Result), Err: errNotFinite}
		}
		if p.Unit != unit {
			return nil, &UnitMismatchError{Metric: metric, Want: unit, Got: p.Unit, Row: rows[i]}
		}
	}

	// sort an index so source rows follow their points
	idx := make([]int, len(points))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return points[idx[a]].Reading < points[idx[b]].Reading
	})

	t := &Table{
		metric:   metric,
		unit:     unit,
		points:   make([]Point, len(points)),
		readings: make([]float64, len(points)),
	}
	for i, j := range idx {
		t.points[i] = points[j]
		t.readings[i] = points[j].Reading
		if i > 0 && t.readings[i] == t.readings[i-1] {
			return nil, &DuplicateReadingError{
				Metric:  metric,
				Reading: t.readings[i],
				Rows:    [2]int{rows[idx[i-1]], rows[j]},
			}
		}
	}
	return t, nil
}

// Get returns the calibrated result for a raw reading.
// It is shorthand for Lookup(reading).Value.
func (t *Table) Get(reading float64) float64 {
	return t.Lookup(reading).Value
}

// Lookup estimates the result for a raw reading
func (t *Table) Lookup(reading float64) Estimate {
	est := Estimate{Reading: reading, Unit: t.unit}
	n := len(t.points)
	if n == 1 {
		est.Value = t.points[0].Result
		est.Extrapolated = reading != t.points[0].Reading
		return est
	}

	// i is the first point with a reading >= the query
	i := sort.SearchFloat64s(t.readings, reading)
	if i < n && t.readings[i] == reading {
		est.Value = t.points[i].Result
		return est
	}

	var lo int
	switch {
	case i == 0:
		lo = 0
		est.Extrapolated = true
	case i == n:
		lo = n - 2
		est.Extrapolated = true
	default:
		lo = i - 1
	}
	a, b := t.points[lo], t.points[lo+1]
	est.Value = interpolate(a, b, reading)
	if !est.Extrapolated {
		// rounding must not carry the result past either end of the segment
		est.Value = math.Max(math.Min(a.Result, b.Result), math.Min(est.Value, math.Max(a.Result, b.Result)))
	}
	return est
}

// interpolate evaluates the line through a and b at x.  Spans too wide for
// a float64 are halved first.
func interpolate(a, b Point, x float64) float64 {
	f := (x - a.Reading) / (b.Reading - a.Reading)
	if math.IsInf(b.Reading-a.Reading, 0) {
		f = (x/2 - a.Reading/2) / (b.Reading/2 - a.Reading/2)
	}
	dy := b.Result - a.Result
	if math.IsInf(dy, 0) {
		return a.Result*(1-f) + b.Result*f
	}
	return a.Result + f*dy
}

// Metric returns the name of the metric the table calibrates
func (t *Table) Metric() string {
	return t.metric
}

// Unit returns the unit shared by every result in the table
func (t *Table) Unit() string {
	return t.unit
}

// Len returns the number of points in the table
func (t *Table) Len() int {
	return len(t.points)
}

// Points returns a copy of the points, sorted by reading
func (t *Table) Points() []Point {
	out := make([]Point, len(t.points))
	copy(out, t.points)
	return out
}

// Bounds returns the smallest and largest calibrated readings.
// Queries outside [min, max] are extrapolated.
func (t *Table) Bounds() (min, max float64) {
	return t.readings[0], t.readings[len(t.readings)-1]
}
