package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/seeker/internal/link"
	"github.com/andresmejia3/seeker/internal/types"
)

// State is the arming state of the loop. Transitions only move forward.
type State int32

const (
	StateUnarmed State = iota
	StateConfiguring
	StateArmed
)

func (s State) String() string {
	switch s {
	case StateUnarmed:
		return "UNARMED"
	case StateConfiguring:
		return "CONFIGURING"
	case StateArmed:
		return "ARMED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Setup is the autopilot preparation done before arming.
type Setup struct {
	// Preconditions only take effect after a reboot. A mismatch is written,
	// then arming waits until the autopilot has come back.
	Preconditions   []link.Param
	Parameters      []link.Param
	CustomMode      *uint32
	ForceArm        bool
	ArmSettle       time.Duration
	RebootOnRestart bool
	RestartPoll     time.Duration
}

type Config struct {
	HeartbeatInterval time.Duration
	ReadBuffer        int
	Mixer             Mixer
	Actuators         []Actuator // one per mixer output, in output order
	Setup             Setup
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Datagrams        uint64
	ParseErrors      uint64
	Dispatches       uint64
	DispatchFailures uint64
	HeartbeatsSent   uint64
	HeartbeatsFailed uint64
	// StaleDiscarded counts datagrams that were queued before the loop armed.
	StaleDiscarded uint64
}

// Session is the loop's view of the link.
type Session struct {
	SystemID      uint8
	ComponentID   uint8
	LastHeartbeat time.Time // last heartbeat we sent
	Armed         bool
}

// Loop turns command datagrams into actuator output and keeps the link alive.
// It is single-threaded: Configure and Run must be called from one goroutine.
type Loop struct {
	conn net.PacketConn
	link link.ActuatorLink
	cfg  Config
	log  *slog.Logger

	state   atomic.Int32
	session Session
	order   []int // actuator positions sorted by index

	datagrams        atomic.Uint64
	parseErrors      atomic.Uint64
	dispatches       atomic.Uint64
	dispatchFailures atomic.Uint64
	heartbeatsSent   atomic.Uint64
	heartbeatsFailed atomic.Uint64
	staleDiscarded   atomic.Uint64
}

func NewLoop(conn net.PacketConn, lnk link.ActuatorLink, cfg Config, log *slog.Logger) (*Loop, error) {
	if cfg.Mixer == nil {
		return nil, errors.New("no mixer configured")
	}
	if len(cfg.Actuators) != cfg.Mixer.Outputs() {
		return nil, fmt.Errorf("mixer has %d outputs but %d actuators are configured", cfg.Mixer.Outputs(), len(cfg.Actuators))
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 500 * time.Millisecond
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 1024
	}
	if cfg.Setup.RestartPoll <= 0 {
		cfg.Setup.RestartPoll = 5 * time.Second
	}

	order := make([]int, len(cfg.Actuators))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cfg.Actuators[a].Index - cfg.Actuators[b].Index
	})

	return &Loop{conn: conn, link: lnk, cfg: cfg, log: log, order: order}, nil
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) Session() Session { return l.session }

func (l *Loop) Stats() Stats {
	return Stats{
		Datagrams:        l.datagrams.Load(),
		ParseErrors:      l.parseErrors.Load(),
		Dispatches:       l.dispatches.Load(),
		DispatchFailures: l.dispatchFailures.Load(),
		HeartbeatsSent:   l.heartbeatsSent.Load(),
		HeartbeatsFailed: l.heartbeatsFailed.Load(),
		StaleDiscarded:   l.staleDiscarded.Load(),
	}
}

// Configure prepares and arms the autopilot. It moves UNARMED -> CONFIGURING
// -> ARMED and must succeed before Run processes any command.
func (l *Loop) Configure(ctx context.Context) error {
	if l.State() != StateUnarmed {
		return fmt.Errorf("configure called in state %s", l.State())
	}
	l.state.Store(int32(StateConfiguring))

	l.log.Info("waiting for autopilot heartbeat")
	var ls link.Session
	err := l.call(ctx, func(ctx context.Context) (err error) {
		ls, err = l.link.WaitReady(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("autopilot not reachable: %w", err)
	}
	l.session.SystemID, l.session.ComponentID = ls.SystemID, ls.ComponentID
	l.log.Info("autopilot found", "system", ls.SystemID, "component", ls.ComponentID)
	l.heartbeat()

	if err := l.satisfyPreconditions(ctx); err != nil {
		return err
	}

	for _, p := range l.cfg.Setup.Parameters {
		err := l.call(ctx, func(ctx context.Context) error { return l.link.SetParameter(ctx, p) })
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("parameter not confirmed", "name", p.Name, "value", p.Value, "error", err)
			continue
		}
		l.log.Debug("parameter set", "name", p.Name, "value", p.Value)
	}

	if m := l.cfg.Setup.CustomMode; m != nil {
		if err := l.call(ctx, func(ctx context.Context) error { return l.link.SetMode(ctx, *m) }); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("mode change not confirmed", "mode", *m, "error", err)
		}
	}

	arm := func(ctx context.Context) error { return l.link.ArmDisarm(ctx, true, l.cfg.Setup.ForceArm) }
	if err := l.call(ctx, arm); err != nil {
		return fmt.Errorf("arm failed: %w", err)
	}
	if err := l.wait(ctx, l.cfg.Setup.ArmSettle); err != nil {
		return err
	}

	l.session.Armed = true
	l.state.Store(int32(StateArmed))
	l.heartbeat()
	l.log.Info("armed, accepting commands", "force", l.cfg.Setup.ForceArm)
	return nil
}

// satisfyPreconditions writes any mismatched reboot-only parameter and holds
// until the autopilot has restarted with it applied.
func (l *Loop) satisfyPreconditions(ctx context.Context) error {
	for {
		err := l.checkPreconditions(ctx)
		if err == nil {
			return nil
		}
		var restart *link.RestartRequiredError
		if !errors.As(err, &restart) {
			return err
		}

		epoch := l.link.Session().Epoch
		l.log.Error("autopilot restart required, holding before arm", "params", restart.Params, "reboot", l.cfg.Setup.RebootOnRestart)
		if l.cfg.Setup.RebootOnRestart {
			if err := l.call(ctx, l.link.Reboot); err != nil {
				l.log.Warn("reboot request not confirmed", "error", err)
			}
		}

		for l.link.Session().Epoch == epoch {
			if err := l.wait(ctx, l.cfg.Setup.RestartPoll); err != nil {
				return err
			}
		}
		l.log.Info("autopilot restarted, re-checking preconditions")
	}
}

func (l *Loop) checkPreconditions(ctx context.Context) error {
	var pending []string
	for _, p := range l.cfg.Setup.Preconditions {
		var v float64
		err := l.call(ctx, func(ctx context.Context) (err error) {
			v, err = l.link.GetParameter(ctx, p.Name)
			return err
		})
		switch {
		case err == nil && float32(v) == float32(p.Value): // params travel as float32
			continue
		case err != nil && !errors.Is(err, link.ErrTimeout):
			return fmt.Errorf("read %s: %w", p.Name, err)
		}
		// Absent or different: write it and require a restart.
		err = l.call(ctx, func(ctx context.Context) error { return l.link.SetParameter(ctx, p) })
		if err != nil && !errors.Is(err, link.ErrTimeout) {
			return fmt.Errorf("write %s: %w", p.Name, err)
		}
		pending = append(pending, p.Name)
	}
	if len(pending) > 0 {
		return &link.RestartRequiredError{Params: pending}
	}
	return nil
}

// call runs one blocking link request and keeps the heartbeat going until it
// returns. fn must honour ctx; only the link is touched off the loop goroutine.
func (l *Loop) call(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	for {
		l.heartbeatIfDue()
		t := time.NewTimer(max(time.Millisecond, time.Until(l.session.LastHeartbeat.Add(l.cfg.HeartbeatInterval))))
		select {
		case err := <-done:
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// wait sleeps for d while keeping the heartbeat going.
func (l *Loop) wait(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		l.heartbeatIfDue()
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		step := min(left, time.Until(l.session.LastHeartbeat.Add(l.cfg.HeartbeatInterval)))
		if step < time.Millisecond {
			step = time.Millisecond
		}
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Run receives command datagrams until ctx is cancelled. The receive never
// blocks past the next heartbeat deadline.
func (l *Loop) Run(ctx context.Context) error {
	if l.State() != StateArmed {
		return fmt.Errorf("run called in state %s", l.State())
	}

	// Unblock a pending read as soon as ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, l.cfg.ReadBuffer)
	if err := l.discardStale(ctx, buf); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.heartbeatIfDue()

		if err := l.conn.SetReadDeadline(l.session.LastHeartbeat.Add(l.cfg.HeartbeatInterval)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return fmt.Errorf("command socket: %w", err)
		}

		l.heartbeatIfDue()
		l.OnDatagram(buf[:n])
	}
}

// discardStale empties the socket of commands that arrived while the loop was
// still configuring. The drain is bounded by one heartbeat interval.
func (l *Loop) discardStale(ctx context.Context, buf []byte) error {
	until := time.Now().Add(l.cfg.HeartbeatInterval)
	for ctx.Err() == nil && time.Now().Before(until) {
		l.heartbeatIfDue()
		if err := l.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		if _, _, err := l.conn.ReadFrom(buf); err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return fmt.Errorf("command socket: %w", err)
		}
		l.staleDiscarded.Add(1)
	}
	if n := l.staleDiscarded.Load(); n > 0 {
		l.log.Warn("discarded commands received before arming", "count", n)
	}
	return nil
}

// OnDatagram handles one command. A bad datagram is logged and returned as
// an error; it never stops the loop.
func (l *Loop) OnDatagram(b []byte) error {
	l.datagrams.Add(1)

	cmd, err := ParseCommand(b)
	if err != nil {
		l.parseErrors.Add(1)
		l.log.Warn("discarding datagram", "error", err)
		return err
	}

	if cmd.Mode == types.ModeUnknown {
		l.log.Warn("unknown mode, no thrust", "payload", string(bytes.TrimSpace(b)))
	}
	out := l.Mix(cmd)
	l.log.Debug("command", "yaw", cmd.Yaw, "vertical", cmd.Vertical, "forward", cmd.Forward, "mode", cmd.Mode, "mixed", []float64(out))
	if failed := l.Dispatch(out); failed > 0 {
		return fmt.Errorf("%d of %d actuator writes failed", failed, len(out))
	}
	return nil
}

// Mix applies the configured mixing law.
func (l *Loop) Mix(cmd types.ControlCommand) types.MixedOutput {
	return l.cfg.Mixer.Mix(cmd)
}

// Commands converts mixed output into per-actuator pulse widths, in
// ascending actuator index order.
func (l *Loop) Commands(out types.MixedOutput) []types.ActuatorCommand {
	cmds := make([]types.ActuatorCommand, 0, len(out))
	for _, i := range l.order {
		if i >= len(out) {
			continue
		}
		a := l.cfg.Actuators[i]
		cmds = append(cmds, types.ActuatorCommand{Index: a.Index, PulseWidth: a.PulseWidth(out[i])})
	}
	return cmds
}

// Dispatch sends one independent servo write per actuator and returns the
// number that failed. A failure does not stop the remaining writes.
func (l *Loop) Dispatch(out types.MixedOutput) int {
	failed := 0
	for _, c := range l.Commands(out) {
		l.dispatches.Add(1)
		if err := l.link.SetServo(c.Index, c.PulseWidth); err != nil {
			failed++
			l.dispatchFailures.Add(1)
			l.log.Warn("servo write failed", "index", c.Index, "pulse_width", c.PulseWidth, "error", err)
		}
	}
	return failed
}

func (l *Loop) heartbeatIfDue() {
	if time.Since(l.session.LastHeartbeat) >= l.cfg.HeartbeatInterval {
		l.heartbeat()
	}
}

// heartbeat records the attempt even on failure so a dead link cannot make
// the loop spin.
func (l *Loop) heartbeat() {
	l.session.LastHeartbeat = time.Now()
	if err := l.link.SendHeartbeat(); err != nil {
		l.heartbeatsFailed.Add(1)
		l.log.Warn("heartbeat failed", "error", err)
		return
	}
	l.heartbeatsSent.Add(1)
}
