package navigate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/seeker/internal/control"
	"github.com/andresmejia3/seeker/internal/telemetry"
	"github.com/andresmejia3/seeker/internal/types"
)

// Sender delivers one encoded control command.
type Sender interface {
	Send(payload []byte) error
}

// Config is the runner's own configuration.
type Config struct {
	// Rate is the command rate in Hz.
	Rate       float64
	ReadBuffer int
	Tracker    TrackerConfig
	Controller ControllerConfig
}

// Stats is a snapshot of runner counters.
type Stats struct {
	Samples     uint64
	ParseErrors uint64
	Ticks       uint64
	SendErrors  uint64
}

// Runner reads telemetry samples from conn and sends one command per tick.
// Samples arrive asynchronously; each tick consumes at most the newest one and
// treats a tick without a new sample as "not detected".
type Runner struct {
	conn    net.PacketConn
	out     Sender
	cfg     Config
	tracker *Tracker
	ctrl    *Controller
	metrics *Metrics
	log     *slog.Logger

	mu     sync.Mutex
	latest types.DetectionSample
	seq    uint64

	lastSeq uint64
	start   time.Time

	samples     atomic.Uint64
	parseErrors atomic.Uint64
	ticks       atomic.Uint64
	sendErrors  atomic.Uint64
}

// NewRunner wires a runner. metrics may be nil.
func NewRunner(conn net.PacketConn, out Sender, cfg Config, metrics *Metrics, log *slog.Logger) (*Runner, error) {
	if cfg.Rate <= 0 || math.IsInf(cfg.Rate, 0) || math.IsNaN(cfg.Rate) {
		return nil, fmt.Errorf("rate must be a positive number of Hz, got %v", cfg.Rate)
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 2048
	}
	return &Runner{
		conn:    conn,
		out:     out,
		cfg:     cfg,
		tracker: NewTracker(cfg.Tracker),
		ctrl:    NewController(cfg.Controller),
		metrics: metrics,
		log:     log,
	}, nil
}

func (r *Runner) Stats() Stats {
	return Stats{
		Samples:     r.samples.Load(),
		ParseErrors: r.parseErrors.Load(),
		Ticks:       r.ticks.Load(),
		SendErrors:  r.sendErrors.Load(),
	}
}

// Run ticks at the configured rate until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- r.receive(ctx) }()

	period := time.Duration(float64(time.Second) / r.cfg.Rate)
	tick := time.NewTicker(period)
	defer tick.Stop()

	r.start = time.Now()
	last := r.start
	for {
		select {
		case <-ctx.Done():
			return <-errc
		case err := <-errc:
			return err
		case now := <-tick.C:
			r.Tick(now.Sub(r.start).Seconds(), math.Max(1e-3, now.Sub(last).Seconds()))
			last = now
		}
	}
}

// receive keeps the newest telemetry sample until ctx is cancelled.
func (r *Runner) receive(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, r.cfg.ReadBuffer)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return fmt.Errorf("telemetry socket: %w", err)
		}
		s, _, err := telemetry.Parse(buf[:n])
		if err != nil {
			r.parseErrors.Add(1)
			r.log.Debug("discarding telemetry", "error", err)
			continue
		}
		r.Observe(s)
	}
}

// Observe stores a sample for the next tick.
func (r *Runner) Observe(s types.DetectionSample) {
	r.samples.Add(1)
	r.mu.Lock()
	r.latest = s
	r.seq++
	r.mu.Unlock()
}

// Tick runs one control step at time t (seconds on the runner's clock) and
// sends the resulting command. dt is the time since the previous tick.
//
// Samples are restamped with t: the detector's clock starts with its own
// process and cannot be compared with ours.
func (r *Runner) Tick(t, dt float64) types.ControlCommand {
	r.ticks.Add(1)

	r.mu.Lock()
	s, seq := r.latest, r.seq
	r.mu.Unlock()

	if seq == r.lastSeq {
		s = types.NotDetected(t)
	}
	r.lastSeq = seq
	s.T = t
	r.metrics.ObserveInput(s)

	est := r.tracker.Update(s, r.ctrl.ConfMin())
	cmd := r.ctrl.Step(est, dt)

	if err := r.out.Send([]byte(control.FormatCommand(cmd))); err != nil {
		r.sendErrors.Add(1)
		r.log.Debug("command send failed", "error", err)
	}
	r.metrics.ObserveOutput(cmd)

	if r.log.Enabled(context.Background(), slog.LevelDebug) {
		r.log.Debug("tick",
			"t", t,
			"mode", cmd.Mode,
			slog.Group("obs", "detected", s.Detected, "conf", s.Confidence, "cx", s.CX, "cy", s.CY, "size", s.Size),
			slog.Group("est", "cx", est.CX, "cy", est.CY, "age", est.Age, "valid", est.Valid),
			slog.Group("cmd", "yaw", cmd.Yaw, "vertical", cmd.Vertical, "forward", cmd.Forward))
	}
	return cmd
}
