package source

import (
	"errors"
	"fmt"
)

// ErrNoDriver is returned when hardware is requested but no driver is registered
var ErrNoDriver = errors.New("no DAQ driver registered")

// FaultError is a hardware or driver fault. Faults are not transient and are never retried.
type FaultError struct {
	Device string
	Op     string
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// IsFault reports whether err is, or wraps, a hardware fault
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}

func fault(device, op string, err error) error {
	if err == nil {
		return nil
	}
	return &FaultError{Device: device, Op: op, Err: err}
}
