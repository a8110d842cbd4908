// Package link is the vehicle-side actuator link: parameter access, arming,
// servo output and heartbeats.
package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is returned when the autopilot does not answer in time. Callers
// treat the value as absent.
var ErrTimeout = errors.New("link: timed out waiting for autopilot")

// RestartRequiredError reports parameters that were written but only take
// effect after the autopilot reboots.
type RestartRequiredError struct {
	Params []string
}

func (e *RestartRequiredError) Error() string {
	return fmt.Sprintf("autopilot restart required to apply %s", strings.Join(e.Params, ", "))
}

// ParamType is the on-wire type of a parameter value.
type ParamType uint8

// Values follow MAV_PARAM_TYPE.
const (
	ParamUint8  ParamType = 1
	ParamInt8   ParamType = 2
	ParamUint16 ParamType = 3
	ParamInt16  ParamType = 4
	ParamUint32 ParamType = 5
	ParamInt32  ParamType = 6
	ParamReal32 ParamType = 9
)

func ParseParamType(s string) (ParamType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8":
		return ParamUint8, nil
	case "int8":
		return ParamInt8, nil
	case "uint16":
		return ParamUint16, nil
	case "int16":
		return ParamInt16, nil
	case "uint32":
		return ParamUint32, nil
	case "int32":
		return ParamInt32, nil
	case "real32", "float":
		return ParamReal32, nil
	default:
		return 0, fmt.Errorf("unknown parameter type %q", s)
	}
}

// Param is a named parameter assignment.
type Param struct {
	Name  string
	Value float64
	Type  ParamType
}

// Session describes the autopilot the link is talking to.
type Session struct {
	SystemID      uint8
	ComponentID   uint8
	LastHeartbeat time.Time // last heartbeat received from the autopilot
	// Epoch increases each time the autopilot reappears after going silent,
	// e.g. across a reboot.
	Epoch uint64
}

// ActuatorLink is the capability set the control loop needs. Every call is
// independently failable.
type ActuatorLink interface {
	// WaitReady blocks until the autopilot has been heard from.
	WaitReady(ctx context.Context) (Session, error)
	Session() Session

	SetParameter(ctx context.Context, p Param) error
	GetParameter(ctx context.Context, name string) (float64, error)
	ArmDisarm(ctx context.Context, arm, force bool) error
	SetMode(ctx context.Context, customMode uint32) error
	Reboot(ctx context.Context) error

	SetServo(index, pulseWidth int) error
	SendHeartbeat() error

	Close() error
}
