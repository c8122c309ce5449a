package media

import (
	"errors"
	"fmt"
)

// AccessKind classifies why local media could not be acquired.
type AccessKind string

const (
	KindPermissionDenied   AccessKind = "permission-denied"
	KindNoDevice           AccessKind = "no-device"
	KindDeviceBusy         AccessKind = "device-busy"
	KindOverconstrained    AccessKind = "overconstrained"
	KindInvalidConstraints AccessKind = "invalid-constraints"
	KindUnknown            AccessKind = "unknown"
)

// Device-level failures returned by Devices implementations.
var (
	ErrPermissionDenied   = errors.New("media permission denied")
	ErrNoDevice           = errors.New("no capture device")
	ErrDeviceBusy         = errors.New("capture device busy")
	ErrOverconstrained    = errors.New("constraints cannot be satisfied")
	ErrInvalidConstraints = errors.New("invalid constraints")
)

// AccessError is returned when every acquisition attempt failed.
type AccessError struct {
	Kind AccessKind
	Err  error
}

func (e *AccessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media access failed: %s", e.Kind)
	}
	return fmt.Sprintf("media access failed: %s: %v", e.Kind, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// Message is the user-facing explanation for the failure.
func (e *AccessError) Message() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Microphone access was denied. Allow microphone access and try again."
	case KindNoDevice:
		return "No microphone was found. Connect a microphone and try again."
	case KindDeviceBusy:
		return "The microphone is in use by another application."
	case KindOverconstrained, KindInvalidConstraints:
		return "The microphone does not support the requested settings."
	default:
		return "The microphone could not be started."
	}
}

// Classify maps a device error onto an AccessKind.
func Classify(err error) AccessKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNoDevice):
		return KindNoDevice
	case errors.Is(err, ErrDeviceBusy):
		return KindDeviceBusy
	case errors.Is(err, ErrOverconstrained):
		return KindOverconstrained
	case errors.Is(err, ErrInvalidConstraints):
		return KindInvalidConstraints
	}
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr.Kind
	}
	return KindUnknown
}
