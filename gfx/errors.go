// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package gfx

import (
	"errors"
	"fmt"
)

// Device level errors. Backends wrap these so callers can classify
// failures with errors.Is.
var (
	ErrOutOfHostMemory   = errors.New("out of host memory")
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrDeviceLost        = errors.New("device lost")
	ErrTimeout           = errors.New("timeout expired")
	ErrUnsupported       = errors.New("operation not supported by device")
)

// DeviceError reports a failed device operation.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsAllocationFailure reports whether err was caused by running out of
// host or device memory.
func IsAllocationFailure(err error) bool {
	return errors.Is(err, ErrOutOfHostMemory) || errors.Is(err, ErrOutOfDeviceMemory)
}

// IsFatal reports whether err leaves the device unusable. A fence wait
// that times out is treated like a lost device.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrTimeout)
}

// PreconditionError is the panic value raised on API misuse.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string {
	return "precondition violated: " + e.Msg
}

// Precondition panics with a PreconditionError. Misuse is a programming
// error and is never reported through an error return.
func Precondition(format string, args ...interface{}) {
	panic(&PreconditionError{Msg: fmt.Sprintf(format, args...)})
}
