package types

import (
	"fmt"
	"strings"
)

// PixelFormat names the memory layout of Frame.Data.
type PixelFormat string

const (
	FormatI420  PixelFormat = "i420"  // planar YUV 4:2:0, Width*Height*3/2 bytes
	FormatBGR24 PixelFormat = "bgr24" // packed BGR, Width*Height*3 bytes
)

// Frame is a single camera frame handed from the pump to the detection engine.
// Data is owned by the receiver once handed over.
type Frame struct {
	Seq    uint64
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}

// DetectionSample is the latest detection estimate in normalized image coordinates.
//
// Conventions:
//   - CX, CY in [-1, +1] with (0, 0) at the frame center.
//   - Size in [0, 1], the bounding box area as a fraction of the frame area.
type DetectionSample struct {
	T          float64 // seconds since pipeline start
	Detected   bool
	Confidence float64
	CX         float64
	CY         float64
	Size       float64
}

// NotDetected is the default sample held before the first inference completes.
func NotDetected(t float64) DetectionSample {
	return DetectionSample{T: t}
}

// Mode is the command mode token carried by every control datagram.
type Mode int

// ModeUnknown is a well-formed token outside the known set. Mixers treat it
// like any other mode that is not FLY_STRAIGHT.
const ModeUnknown Mode = 0

const (
	ModeSearch Mode = iota + 1
	ModeTrack
	ModeApproach
	ModeCapture
	ModeFlyStraight
	ModeLateralOnly
	ModeStop
)

func (m Mode) String() string {
	switch m {
	case ModeSearch:
		return "SEARCH"
	case ModeTrack:
		return "TRACK"
	case ModeApproach:
		return "APPROACH"
	case ModeCapture:
		return "CAPTURE"
	case ModeFlyStraight:
		return "FLY_STRAIGHT"
	case ModeLateralOnly:
		return "LATERAL_ONLY"
	case ModeStop:
		return "STOP"
	case ModeUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a case-insensitive mode token into a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "SEARCH":
		return ModeSearch, nil
	case "TRACK":
		return ModeTrack, nil
	case "APPROACH":
		return ModeApproach, nil
	case "CAPTURE":
		return ModeCapture, nil
	case "FLY_STRAIGHT":
		return ModeFlyStraight, nil
	case "LATERAL_ONLY":
		return ModeLateralOnly, nil
	case "STOP":
		return ModeStop, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", value)
	}
}

// ControlCommand is one operator or autonomy command, parsed per datagram.
type ControlCommand struct {
	Yaw      float64 // [-1, 1]
	Vertical float64 // [-1, 1]
	Forward  float64 // [0, 1]
	Mode     Mode
}

// MixedOutput holds one normalized drive value in [-1, 1] per physical actuator.
type MixedOutput []float64

// ActuatorCommand is the final value sent to the actuator link.
type ActuatorCommand struct {
	Index      int
	PulseWidth int // microseconds
}
