package bluetooth

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

var (
	ErrAdapterNotFound = errors.New("no bluetooth adapter with LE advertising support found")
	ErrDeviceNotFound  = errors.New("device not found")
)

// TransportError is returned when a call on the bus fails or times out.
type TransportError struct {
	Op   string
	Path dbus.ObjectPath
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError reports a recognized property whose value has an unexpected shape.
type DecodeError struct {
	Key  string
	Want string
	Got  interface{}
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("property %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("property %q: expected %s, got %T", e.Key, e.Want, e.Got)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func transportError(op string, path dbus.ObjectPath, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Path: path, Err: err}
}
