// Package capture acquires an audio input device and turns it into a
// stream of fixed-size sample frames with amplitude metering.
package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable reports that no input device could be found.
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	// ErrPermissionDenied reports that access to the device was refused.
	ErrPermissionDenied = errors.New("audio input permission denied")
	// ErrCaptureBusy reports that the source is already streaming.
	ErrCaptureBusy = errors.New("capture already started")
)

// DeviceError wraps device failures that are neither a missing device
// nor a permission problem.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Device is a mono audio input. Open must succeed before Frames is
// consumed; Close stops the stream and closes the frames channel.
type Device interface {
	Open(sampleRate, frameSize int) error
	Frames() <-chan []float64
	Close() error
}
