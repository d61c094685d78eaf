package calibration

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// ColReading is the column holding raw instrument readings
	ColReading = "Reading"

	// ColResult is the column holding calibrated results
	ColResult = "Result"

	// ColUnit is the column holding the unit of Result
	ColUnit = "Unit"

	// DefaultDir is the directory calibration files are looked up in
	DefaultDir = "./cal"

	// DefaultPrefix is prepended to the metric name to form a file name
	DefaultPrefix = "CAL_"

	// DefaultExt is the extension of calibration files
	DefaultExt = "csv"

	bom = "\ufeff"
)

// RequiredColumns are the columns every calibration source must carry.
// Other columns are ignored.
var RequiredColumns = [3]string{ColReading, ColResult, ColUnit}

// Locate returns the path of the calibration file for a metric,
// e.g. Locate("./cal", "CAL_", "volume", "csv") == "cal/CAL_volume.csv"
func Locate(dir, prefix, metric, ext string) string {
	return filepath.Join(dir, prefix+metric+"."+strings.TrimPrefix(ext, "."))
}

// LoadMetric loads CAL_<metric>.csv from dir
func LoadMetric(dir, metric string) (*Table, error) {
	return Load(metric, Locate(dir, DefaultPrefix, metric, DefaultExt))
}

// Load reads the calibration table for metric from the file at path.
// Files ending in .tsv are tab delimited, all others comma delimited.
func Load(metric, path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Metric: metric, Path: path, Err: err}
		}
		return nil, errors.Wrapf(err, "opening calibration %q", metric)
	}
	defer f.Close()
	return Read(metric, f, delimiter(path))
}

func delimiter(path string) rune {
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return '\t'
	}
	return ','
}

// Read parses a calibration table from r.  The first record is the header.
func Read(metric string, r io.Reader, comma rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1 // short rows are reported per column below
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &SchemaError{Metric: metric, Missing: RequiredColumns[:]}
	}
	if err != nil {
		return nil, &ParseError{Metric: metric, Row: 1, Err: err}
	}
	found := make([]string, len(header))
	cols := make(map[string]int, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, bom)
		}
		name = strings.TrimSpace(name)
		found[i] = name
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	var missing []string
	for _, name := range RequiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Metric: metric, Missing: missing, Found: found}
	}

	var (
		points []Point
		rows   []int
	)
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Metric: metric, Row: row, Err: err}
		}
		field := func(name string) (string, error) {
			i := cols[name]
			if i >= len(rec) {
				return "", &ParseError{Metric: metric, Row: row, Column: name, Err: errors.New("field missing")}
			}
			return strings.TrimSpace(rec[i]), nil
		}
		num := func(name string) (float64, error) {
			s, err := field(name)
			if err != nil {
				return 0, err
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, &ParseError{Metric: metric, Row: row, Column: name, Value: s, Err: err}
			}
			return f, nil
		}

		var p Point
		if p.Reading, err = num(ColReading); err != nil {
			return nil, err
		}
		if p.Result, err = num(ColResult); err != nil {
			return nil, err
		}
		if p.Unit, err = field(ColUnit); err != nil {
			return nil, err
		}
		points = append(points, p)
		rows = append(rows, row)
	}
	return build(metric, points, rows)
}

// WriteCSV writes the table as comma separated values with a header.
// Values are written with the fewest digits that parse back to the same
// float64, so reloading the output reproduces the table exactly.
func (t *Table) WriteCSV(w io.Writer) error {
	return t.write(w, ',')
}

func (t *Table) write(w io.Writer, comma rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write(RequiredColumns[:]); err != nil {
		return err
	}
	for _, p := range t.points {
		if err := cw.Write([]string{fmtFloat(p.Reading), fmtFloat(p.Result), p.Unit}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save writes the table to path, replacing any existing file.
// The delimiter follows the same extension rule as Load.
func (t *Table) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "saving calibration %q", t.metric)
	}
	err = t.write(f, delimiter(path))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "saving calibration %q", t.metric)
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Set holds the tables of a calibration directory keyed by metric
type Set map[string]*Table

// LoadDir loads every <prefix>*.<ext> file in dir.  The metric of each
// table is the file name stripped of prefix and extension.  Any bad file
// fails the whole load.
func LoadDir(dir, prefix, ext string) (Set, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: dir, Err: err}
		}
		return nil, errors.Wrap(err, "reading calibration directory")
	}
	ext = strings.TrimPrefix(ext, ".")
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*."+ext))
	if err != nil {
		return nil, errors.Wrap(err, "listing calibration directory")
	}
	set := make(Set, len(matches))
	for _, path := range matches {
		metric := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), prefix), "."+ext)
		t, err := Load(metric, path)
		if err != nil {
			return nil, err
		}
		set[metric] = t
	}
	return set, nil
}

// Get returns the table for metric, if loaded
func (s Set) Get(metric string) (*Table, bool) {
	t, ok := s[metric]
	return t, ok
}

// Metrics returns the metric names in the set, sorted
func (s Set) Metrics() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
