package navigate

import (
	"math"
	"slices"
	"time"

	"github.com/andresmejia3/seeker/internal/types"
)

// recentWindow is how long after losing the target the controller keeps
// tracking on the last estimate instead of searching.
const recentWindow = 0.35

// Offsets are constant command terms added in one mode.
type Offsets struct {
	Yaw, Vertical, Forward float64
}

// FlyStraightConfig is the open-loop test run: constant yaw and vertical with
// forward ramped up and back down over Duration.
type FlyStraightConfig struct {
	Duration time.Duration
	Forward  float64
	Yaw      float64
	Vertical float64
	// After is the mode taken when an overridden run ends.
	After types.Mode
}

// ControllerConfig holds the gains and the mode policy.
type ControllerConfig struct {
	ConfMin float64

	Search, Track, Approach, Capture Offsets

	XTol, YTol     float64
	CenteredFrames int
	SizeCapture    float64

	KpX, KdX, KpY, KdY float64

	BaseForward float64
	ForwardMin  float64
	MaxForward  float64
	XGate       float64
	YGate       float64

	// Lead extrapolates the target by its velocity, in seconds.
	Lead float64

	// AllowedModes restricts the state machine. Empty allows every mode.
	AllowedModes []types.Mode
	DefaultMode  types.Mode
	// Override forces one mode when set.
	Override    types.Mode
	FlyStraight FlyStraightConfig
}

// Controller is the steering state machine with PD control on image error.
type Controller struct {
	cfg ControllerConfig

	mode         types.Mode
	centered     int
	searchPhase  float64
	flyStart     float64
	flying       bool
	lateralStart float64
	lateral      bool
	last         types.ControlCommand
	hasLast      bool
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.DefaultMode == types.ModeUnknown {
		cfg.DefaultMode = types.ModeSearch
	}
	return &Controller{cfg: cfg, mode: cfg.DefaultMode}
}

// Mode is the mode chosen on the last step.
func (c *Controller) Mode() types.Mode { return c.mode }

// ConfMin is the detection confidence the controller trusts.
func (c *Controller) ConfMin() float64 { return c.cfg.ConfMin }

// Step computes the command for one tick. dt is the wall time since the
// previous tick, in seconds.
func (c *Controller) Step(est Estimate, dt float64) types.ControlCommand {
	cmd := c.step(est, dt)
	c.last, c.hasLast = cmd, true
	return cmd
}

func (c *Controller) step(est Estimate, dt float64) types.ControlCommand {
	if c.cfg.Override != types.ModeUnknown {
		return c.stepOverride(est, dt)
	}

	mode := c.allow(c.selectMode(est))
	if mode != c.mode {
		if mode != types.ModeFlyStraight {
			c.flying = false
		}
		if mode != types.ModeLateralOnly {
			c.lateral = false
		}
	}
	c.mode = mode
	return c.command(mode, est, dt)
}

func (c *Controller) stepOverride(est Estimate, dt float64) types.ControlCommand {
	if c.cfg.Override == types.ModeFlyStraight {
		if !c.flying {
			c.flying, c.flyStart = true, est.T
		}
		if est.T-c.flyStart <= c.cfg.FlyStraight.Duration.Seconds() {
			c.mode = types.ModeFlyStraight
			return c.flyStraight(est)
		}
		c.mode = c.allow(c.cfg.FlyStraight.After)
		return c.command(c.mode, est, dt)
	}
	c.mode = c.allow(c.cfg.Override)
	return c.command(c.mode, est, dt)
}

// selectMode picks the desired mode from the estimate.
func (c *Controller) selectMode(est Estimate) types.Mode {
	if !est.Valid {
		if est.Age <= recentWindow {
			return types.ModeTrack
		}
		c.centered = 0
		return types.ModeSearch
	}

	if math.Abs(est.CX) < c.cfg.XTol && math.Abs(est.CY) < c.cfg.YTol {
		c.centered++
	} else {
		c.centered = 0
	}

	held := c.centered >= c.cfg.CenteredFrames
	switch {
	case held && est.Size >= c.cfg.SizeCapture:
		return types.ModeCapture
	case held:
		return types.ModeApproach
	default:
		return types.ModeTrack
	}
}

// allow maps a desired mode onto the allowed set: the mode itself, else the
// default mode, else the first allowed one.
func (c *Controller) allow(desired types.Mode) types.Mode {
	allowed := c.cfg.AllowedModes
	if len(allowed) == 0 || slices.Contains(allowed, desired) {
		return desired
	}
	if slices.Contains(allowed, c.cfg.DefaultMode) {
		return c.cfg.DefaultMode
	}
	return allowed[0]
}

func (c *Controller) command(mode types.Mode, est Estimate, dt float64) types.ControlCommand {
	switch mode {
	case types.ModeStop:
		// Hold the last outputs; the mixer decides what STOP means.
		cmd := types.ControlCommand{Mode: types.ModeStop}
		if c.hasLast {
			cmd.Yaw, cmd.Vertical, cmd.Forward = c.last.Yaw, c.last.Vertical, c.last.Forward
		}
		return cmd
	case types.ModeFlyStraight:
		return c.flyStraight(est)
	case types.ModeLateralOnly:
		return c.lateralOnly(est)
	case types.ModeSearch:
		c.searchPhase += dt
		o := c.cfg.Search
		return types.ControlCommand{
			Yaw:      o.Yaw + 0.35*math.Sin(0.7*c.searchPhase),
			Vertical: o.Vertical,
			Forward:  o.Forward,
			Mode:     mode,
		}
	case types.ModeTrack:
		return c.steer(mode, c.cfg.Track, est)
	case types.ModeApproach:
		return c.steer(mode, c.cfg.Approach, est)
	default:
		o := c.cfg.Capture
		return types.ControlCommand{Yaw: o.Yaw, Vertical: o.Vertical, Forward: o.Forward, Mode: mode}
	}
}

// steer is PD control on the lead-compensated image error, with forward
// speed gated by how far off-centre the target is.
func (c *Controller) steer(mode types.Mode, base Offsets, est Estimate) types.ControlCommand {
	ex := -(est.CX + est.VX*c.cfg.Lead)
	ey := -(est.CY + est.VY*c.cfg.Lead)

	yaw := clamp(base.Yaw+c.cfg.KpX*ex-c.cfg.KdX*est.VX, -1, 1)
	vertical := clamp(base.Vertical+c.cfg.KpY*ey-c.cfg.KdY*est.VY, -1, 1)

	var forward float64
	if math.Abs(est.CX) < c.cfg.XTol && math.Abs(est.CY) < c.cfg.YTol {
		forward = c.cfg.MaxForward
	} else {
		gate := math.Max(0, 1-math.Abs(est.CX)/c.cfg.XGate) * math.Max(0, 1-math.Abs(est.CY)/c.cfg.YGate)
		if mode == types.ModeTrack {
			forward = 0.10 * gate
		} else {
			forward = math.Min(c.cfg.MaxForward, c.cfg.BaseForward*gate+0.25*gate)
		}
	}
	forward = clamp(math.Max(base.Forward, forward), 0, 1)
	forward = math.Max(forward, c.cfg.ForwardMin)

	return types.ControlCommand{Yaw: yaw, Vertical: vertical, Forward: forward, Mode: mode}
}

// lateralOnly corrects yaw only. Within the fly-straight window it also ramps
// forward and reports FLY_STRAIGHT; afterwards it reports STOP.
func (c *Controller) lateralOnly(est Estimate) types.ControlCommand {
	if !c.lateral {
		c.lateral, c.lateralStart = true, est.T
	}
	yaw := clamp(-c.cfg.KpX*(est.CX+est.VX*c.cfg.Lead)-c.cfg.KdX*est.VX, -1, 1)

	cmd := types.ControlCommand{Yaw: yaw, Mode: types.ModeStop}
	total := c.cfg.FlyStraight.Duration.Seconds()
	if elapsed := est.T - c.lateralStart; total > 0 && elapsed <= total {
		cmd.Forward = c.cfg.FlyStraight.Forward * ramp(elapsed, total)
		cmd.Mode = types.ModeFlyStraight
	}
	return cmd
}

func (c *Controller) flyStraight(est Estimate) types.ControlCommand {
	fs := c.cfg.FlyStraight
	forward := fs.Forward
	if c.flying && fs.Duration > 0 {
		forward = fs.Forward * ramp(est.T-c.flyStart, fs.Duration.Seconds())
	}
	return types.ControlCommand{Yaw: fs.Yaw, Vertical: fs.Vertical, Forward: forward, Mode: types.ModeFlyStraight}
}

// ramp rises linearly to 1 at half of total and falls back to 0 at total.
func ramp(elapsed, total float64) float64 {
	half := total / 2
	if half <= 0 {
		return 1
	}
	if elapsed <= half {
		return clamp(elapsed/half, 0, 1)
	}
	return clamp((total-elapsed)/half, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
