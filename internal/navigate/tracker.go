// Package navigate closes the loop between detection and control: it filters
// telemetry samples into a target estimate, runs the steering state machine
// and emits one control command per tick.
package navigate

import (
	"math"
	"time"

	"github.com/andresmejia3/seeker/internal/types"
)

// TrackerConfig controls smoothing and dropout handling.
type TrackerConfig struct {
	// Alpha is the weight kept by the previous estimate, in [0,1).
	Alpha float64
	// Hold is how long an estimate stays valid without a good sample.
	Hold time.Duration
	// Decay scales the velocities on every tick once the hold has expired.
	Decay float64
	// ReacquireConfMin replaces the controller's confidence gate while the
	// target is lost. Zero keeps the controller's gate.
	ReacquireConfMin float64
}

// Estimate is the filtered target the controller steers on.
type Estimate struct {
	T          float64
	Valid      bool
	Confidence float64
	CX, CY     float64
	VX, VY     float64 // per second
	Size       float64
	VSize      float64
	Age        float64 // seconds since the last good sample, +Inf if never seen
}

// Tracker smooths detections with an EMA and estimates their velocity from
// consecutive raw samples.
type Tracker struct {
	cfg TrackerConfig

	started bool
	lastT   float64

	seen       bool
	lastValidT float64

	haveRaw               bool
	rawCX, rawCY, rawSize float64

	cx, cy, size  float64
	vx, vy, vsize float64
}

func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// Update folds one sample into the estimate. confMin is the controller's
// confidence gate.
func (tr *Tracker) Update(s types.DetectionSample, confMin float64) Estimate {
	t := s.T
	if !tr.started {
		tr.started = true
		tr.lastT = t
		if s.Detected && s.Confidence >= confMin {
			tr.seen, tr.lastValidT = true, t
		}
	}
	dt := math.Max(1e-3, t-tr.lastT)
	tr.lastT = t

	hold := tr.cfg.Hold.Seconds()
	gate := confMin
	if (!tr.seen || t-tr.lastValidT > hold) && tr.cfg.ReacquireConfMin > 0 {
		gate = tr.cfg.ReacquireConfMin
	}

	est := Estimate{T: t}
	if s.Detected {
		est.Confidence = s.Confidence
	}

	if s.Detected && s.Confidence >= gate {
		if tr.haveRaw {
			tr.vx = (s.CX - tr.rawCX) / dt
			tr.vy = (s.CY - tr.rawCY) / dt
			tr.vsize = (s.Size - tr.rawSize) / dt
		}
		tr.haveRaw = true
		tr.rawCX, tr.rawCY, tr.rawSize = s.CX, s.CY, s.Size

		a := tr.cfg.Alpha
		tr.cx = a*tr.cx + (1-a)*s.CX
		tr.cy = a*tr.cy + (1-a)*s.CY
		tr.size = a*tr.size + (1-a)*s.Size

		tr.seen, tr.lastValidT = true, t
		est.Valid = true
	} else {
		est.Age = math.Inf(1)
		if tr.seen {
			est.Age = t - tr.lastValidT
		}
		est.Valid = est.Age <= hold
		if !est.Valid {
			tr.vx *= tr.cfg.Decay
			tr.vy *= tr.cfg.Decay
			tr.vsize *= tr.cfg.Decay
			tr.size *= 0.95
		}
	}

	est.CX, est.CY = tr.cx, tr.cy
	est.VX, est.VY = tr.vx, tr.vy
	est.Size, est.VSize = tr.size, tr.vsize
	return est
}
