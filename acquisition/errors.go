package acquisition

import "fmt"

// NoDeviceError is returned by Connect when no usable resource is found.
// It is not fatal; Connect may be retried
type NoDeviceError struct {
	// Found is the number of resources listed, none of which were selected
	Found int
}

func (e *NoDeviceError) Error() string {
	if e.Found == 0 {
		return "no instrument found"
	}
	return fmt.Sprintf("none of the %d instruments found was selected", e.Found)
}

// NotConnectedError is returned by operations that need an open instrument
type NotConnectedError struct {
	Op string
}

func (e *NotConnectedError) Error() string {
	return e.Op + ": not connected"
}

// NotConfiguredError is returned by reads made before Configure
type NotConfiguredError struct {
	Op string
}

func (e *NotConfiguredError) Error() string {
	return e.Op + ": not configured"
}

// InvalidSettingError is returned by Configure for a rejected setting.
// Nothing is sent to the instrument
type InvalidSettingError struct {
	Setting string
	Value   interface{}
	Reason  string
}

func (e *InvalidSettingError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Setting, e.Value, e.Reason)
}

// InstrumentIOError is a transport failure while talking to the instrument
type InstrumentIOError struct {
	Op  string
	Err error
}

func (e *InstrumentIOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying transport error
func (e *InstrumentIOError) Unwrap() error { return e.Err }

// Cause returns the underlying transport error for github.com/pkg/errors
func (e *InstrumentIOError) Cause() error { return e.Err }
