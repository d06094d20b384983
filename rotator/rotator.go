// Package rotator defines the contract between the controller and a
// rotator hardware driver.
package rotator

import (
	"context"
	"errors"
	"fmt"

	"github.com/w1xm/antenna_control/position"
)

// Link is a single-owner connection to rotator hardware. Every call is
// bounded by the driver's timeout.
type Link interface {
	Connect(ctx context.Context) error
	MoveTo(ctx context.Context, target position.Position) error
	Stop(ctx context.Context) error
	QueryPosition(ctx context.Context) (Reading, error)
	Connected() bool
	Close() error
}

// LimitSwitches are the hardware end stop inputs.
type LimitSwitches struct {
	AzimuthCW      bool `json:"azimuth_cw"`
	AzimuthCCW     bool `json:"azimuth_ccw"`
	ElevationLower bool `json:"elevation_lower"`
	ElevationUpper bool `json:"elevation_upper"`
}

func (s LimitSwitches) Any() bool {
	return s.AzimuthCW || s.AzimuthCCW || s.ElevationLower || s.ElevationUpper
}

func (s LimitSwitches) String() string {
	switch {
	case s.AzimuthCW:
		return "azimuth CW"
	case s.AzimuthCCW:
		return "azimuth CCW"
	case s.ElevationLower:
		return "elevation lower"
	case s.ElevationUpper:
		return "elevation upper"
	}
	return "none"
}

// HardwareErrors are the controller's self-reported faults.
type HardwareErrors struct {
	Sensor bool `json:"sensor"`
	Homing bool `json:"homing"`
	Motor  bool `json:"motor"`
}

// Reading is one position query result. Position is the raw measured value
// and may lie outside the configured limits.
type Reading struct {
	Position      position.Position `json:"position"`
	Temperature   float64           `json:"temperature"`
	LimitSwitches LimitSwitches     `json:"limit_switches"`
	Errors        HardwareErrors    `json:"errors"`
}

// ErrorKind classifies link failures.
type ErrorKind int

const (
	Timeout ErrorKind = iota + 1
	IOError
	ProtocolError
	Disconnected
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case IOError:
		return "I/O error"
	case ProtocolError:
		return "protocol error"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

var (
	ErrTimeout      = &LinkError{Kind: Timeout}
	ErrIO           = &LinkError{Kind: IOError}
	ErrProtocol     = &LinkError{Kind: ProtocolError}
	ErrDisconnected = &LinkError{Kind: Disconnected}
)

// LinkError is returned by every failing Link call.
type LinkError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *LinkError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LinkError) Unwrap() error { return e.Err }

// Is matches any LinkError of the same kind, so errors.Is(err, ErrTimeout)
// works regardless of Op and cause.
func (e *LinkError) Is(target error) bool {
	t, ok := target.(*LinkError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of a link error, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

func NewError(kind ErrorKind, op string, err error) *LinkError {
	return &LinkError{Kind: kind, Op: op, Err: err}
}
