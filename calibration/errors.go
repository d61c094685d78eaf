package calibration

import (
	"fmt"
	"strings"
)

// NotFoundError is returned when a calibration source does not exist
type NotFoundError struct {
	Metric string
	Path   string
	Err    error
}

func (e *NotFoundError) Error() string {
	if e.Metric == "" {
		return fmt.Sprintf("calibration directory not found: %s", e.Path)
	}
	return fmt.Sprintf("calibration file for %q not found: %s", e.Metric, e.Path)
}

// Unwrap exposes the underlying os error
func (e *NotFoundError) Unwrap() error { return e.Err }

// SchemaError is returned when required columns are missing from a source
type SchemaError struct {
	Metric  string
	Missing []string
	Found   []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("calibration %q must contain columns %s, missing %s, found [%s]",
		e.Metric, strings.Join(RequiredColumns[:], ","), strings.Join(e.Missing, ","), strings.Join(e.Found, ","))
}

// ParseError is returned when a row holds a value that cannot be used.
// Row is the 1-based record number, counting the header as row 1.
// Row is 0 when the failure is not tied to a record.
type ParseError struct {
	Metric string
	Row    int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("calibration %q row %d: %v", e.Metric, e.Row, e.Err)
	}
	return fmt.Sprintf("calibration %q row %d column %s: cannot use %q: %v", e.Metric, e.Row, e.Column, e.Value, e.Err)
}

// Unwrap exposes the strconv or csv error
func (e *ParseError) Unwrap() error { return e.Err }

// InsufficientDataError is returned when a table would hold no points
type InsufficientDataError struct {
	Metric string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("calibration %q has no points", e.Metric)
}

// DuplicateReadingError is returned when two points share a reading.
// Rows are as in ParseError, or point indices for tables built with New.
type DuplicateReadingError struct {
	Metric  string
	Reading float64
	Rows    [2]int
}

func (e *DuplicateReadingError) Error() string {
	return fmt.Sprintf("calibration %q has reading %g on both row %d and row %d", e.Metric, e.Reading, e.Rows[0], e.Rows[1])
}

// UnitMismatchError is returned when units disagree, either between points
// of one table or between a table and the unit it is used with
type UnitMismatchError struct {
	Metric string
	Want   string
	Got    string
	Row    int
}

func (e *UnitMismatchError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("calibration %q row %d has unit %q, table unit is %q", e.Metric, e.Row, e.Got, e.Want)
	}
	return fmt.Sprintf("calibration %q is in %q, used with %q", e.Metric, e.Want, e.Got)
}
