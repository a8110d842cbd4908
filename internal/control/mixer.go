package control

import (
	"fmt"
	"math"

	"github.com/andresmejia3/seeker/internal/types"
)

// Mixer combines command axes into one drive value per actuator.
// Every output value satisfies |v| <= 1.
type Mixer interface {
	Mix(types.ControlCommand) types.MixedOutput
	Outputs() int
}

// NewMixer returns the mixer for a layout name: xtail or throttle.
func NewMixer(layout string) (Mixer, error) {
	switch layout {
	case "xtail":
		return XTail{}, nil
	case "throttle":
		return Throttle{}, nil
	default:
		return nil, fmt.Errorf("unknown layout %q", layout)
	}
}

// XTail mixes yaw and vertical onto four fins mounted as two diagonal pairs.
type XTail struct{}

func (XTail) Outputs() int { return 4 }

func (XTail) Mix(c types.ControlCommand) types.MixedOutput {
	yaw := clamp(c.Yaw, -1, 1)
	vertical := clamp(c.Vertical, -1, 1)

	// Pair A is mounted mirrored, hence the sign flip.
	a := -(vertical + yaw)
	b := vertical - yaw

	// Scale jointly so the ratio between the pairs survives.
	if m := math.Max(math.Abs(a), math.Abs(b)); m > 1 {
		a /= m
		b /= m
	}
	return types.MixedOutput{a, b, a, b}
}

// Throttle drives a single ESC. Only FLY_STRAIGHT produces thrust.
type Throttle struct{}

func (Throttle) Outputs() int { return 1 }

func (Throttle) Mix(c types.ControlCommand) types.MixedOutput {
	if c.Mode != types.ModeFlyStraight {
		return types.MixedOutput{0}
	}
	return types.MixedOutput{clamp(c.Forward, 0, 1)}
}

// Actuator is one physical output channel and its pulse range.
type Actuator struct {
	Index    int
	Min, Max int
	// Unipolar channels map [0,1] onto [Min,Max] so zero drive means off.
	Unipolar bool
}

// PulseWidth maps a drive value onto the actuator's range.
func (a Actuator) PulseWidth(v float64) int {
	if a.Unipolar {
		v = clamp(v, 0, 1)
		return clampInt(int(float64(a.Min)+v*float64(a.Max-a.Min)), a.Min, a.Max)
	}
	return ToPulseWidth(v, a.Min, a.Max)
}

// ToPulseWidth clamps v to [-1,1] and maps it linearly onto [min,max].
func ToPulseWidth(v float64, min, max int) int {
	v = clamp(v, -1, 1)
	pw := float64(min) + (v+1)/2*float64(max-min)
	return clampInt(int(pw), min, max)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
