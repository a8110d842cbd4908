package navigate

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/seeker/internal/control"
	"github.com/andresmejia3/seeker/internal/telemetry"
	"github.com/andresmejia3/seeker/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func seen(t, conf, cx, cy, size float64) types.DetectionSample {
	return types.DetectionSample{T: t, Detected: true, Confidence: conf, CX: cx, CY: cy, Size: size}
}

func TestTrackerSmoothsAndEstimatesVelocity(t *testing.T) {
	tr := NewTracker(TrackerConfig{Alpha: 0.5, Hold: 500 * time.Millisecond, Decay: 0.5})

	est := tr.Update(seen(0, 0.9, 0.4, 0, 0.1), 0.5)
	if !est.Valid || est.Age != 0 || !near(est.CX, 0.2) || est.VX != 0 {
		t.Fatalf("first sample: %+v", est)
	}

	est = tr.Update(seen(0.1, 0.9, 0.6, 0, 0.1), 0.5)
	if !near(est.CX, 0.4) {
		t.Errorf("EMA cx = %v, want 0.4", est.CX)
	}
	if !near(est.VX, 2) {
		t.Errorf("vx = %v, want 2 from raw samples", est.VX)
	}
}

func TestTrackerHoldAndDecay(t *testing.T) {
	tr := NewTracker(TrackerConfig{Alpha: 0, Hold: 500 * time.Millisecond, Decay: 0.5})
	tr.Update(seen(0, 0.9, 0.4, 0, 0.2), 0.5)
	tr.Update(seen(0.1, 0.9, 0.6, 0, 0.2), 0.5)

	est := tr.Update(types.NotDetected(0.3), 0.5)
	if !est.Valid || !near(est.Age, 0.2) || !near(est.VX, 2) || !near(est.CX, 0.6) {
		t.Errorf("within hold the estimate must be kept: %+v", est)
	}
	if est.Confidence != 0 {
		t.Errorf("confidence of a miss = %v, want 0", est.Confidence)
	}

	est = tr.Update(types.NotDetected(0.7), 0.5)
	if est.Valid {
		t.Fatal("estimate still valid after the hold expired")
	}
	if !near(est.VX, 1) || !near(est.Size, 0.2*0.95) {
		t.Errorf("expected decay, got vx=%v size=%v", est.VX, est.Size)
	}
}

func TestTrackerNeverSeen(t *testing.T) {
	tr := NewTracker(TrackerConfig{Alpha: 0.5, Hold: time.Second})
	est := tr.Update(types.NotDetected(0), 0.5)
	if est.Valid || !math.IsInf(est.Age, 1) {
		t.Errorf("nothing seen yet: %+v", est)
	}
	// Below the gate is not a detection either.
	est = tr.Update(seen(0.1, 0.3, 0, 0, 0.1), 0.5)
	if est.Valid {
		t.Errorf("low-confidence sample accepted: %+v", est)
	}
}

func TestTrackerReacquireGate(t *testing.T) {
	tr := NewTracker(TrackerConfig{Alpha: 0, Hold: 500 * time.Millisecond, Decay: 1, ReacquireConfMin: 0.8})

	if est := tr.Update(seen(0, 0.5, 0.1, 0, 0.1), 0.4); !est.Valid {
		t.Fatal("the first sample is judged by the controller's gate")
	}
	if est := tr.Update(seen(0.2, 0.5, 0.1, 0, 0.1), 0.4); !est.Valid {
		t.Fatal("a tracked target keeps the controller's gate")
	}

	tr.Update(types.NotDetected(1.0), 0.4)
	if est := tr.Update(seen(1.1, 0.5, 0.1, 0, 0.1), 0.4); est.Valid {
		t.Error("a lost target must be reacquired above ReacquireConfMin")
	}
	if est := tr.Update(seen(1.2, 0.9, 0.1, 0, 0.1), 0.4); !est.Valid {
		t.Error("confident sample should reacquire")
	}
}

func testControllerConfig() ControllerConfig {
	return ControllerConfig{
		ConfMin:        0.5,
		Search:         Offsets{Yaw: 0.2},
		XTol:           0.1,
		YTol:           0.1,
		CenteredFrames: 3,
		SizeCapture:    0.3,
		KpX:            1,
		KpY:            1,
		BaseForward:    0.3,
		MaxForward:     0.6,
		XGate:          1,
		YGate:          1,
		FlyStraight: FlyStraightConfig{
			Duration: 2 * time.Second,
			Forward:  0.6,
			After:    types.ModeSearch,
		},
	}
}

func TestControllerModes(t *testing.T) {
	c := NewController(testControllerConfig())
	if c.Mode() != types.ModeSearch {
		t.Errorf("initial mode = %s, want SEARCH by default", c.Mode())
	}

	cmd := c.Step(Estimate{T: 0, Age: math.Inf(1)}, 0.5)
	if cmd.Mode != types.ModeSearch || !near(cmd.Yaw, 0.2+0.35*math.Sin(0.35)) {
		t.Errorf("search command = %+v", cmd)
	}

	cmd = c.Step(Estimate{T: 0.1, Age: 0.2}, 0.1)
	if cmd.Mode != types.ModeTrack {
		t.Errorf("recently lost target should keep TRACK, got %s", cmd.Mode)
	}

	centered := Estimate{Valid: true, CX: 0.05, CY: -0.05, Size: 0.1}
	var modes []types.Mode
	for i := 0; i < 3; i++ {
		modes = append(modes, c.Step(centered, 0.1).Mode)
	}
	if modes[0] != types.ModeTrack || modes[1] != types.ModeTrack || modes[2] != types.ModeApproach {
		t.Errorf("centred target should approach after 3 frames, got %v", modes)
	}

	centered.Size = 0.4
	if m := c.Step(centered, 0.1).Mode; m != types.ModeCapture {
		t.Errorf("close centred target should capture, got %s", m)
	}

	// Losing the centre resets the count.
	if m := c.Step(Estimate{Valid: true, CX: 0.5}, 0.1).Mode; m != types.ModeTrack {
		t.Errorf("off-centre target = %s, want TRACK", m)
	}
}

func TestControllerSteering(t *testing.T) {
	c := NewController(testControllerConfig())

	cmd := c.Step(Estimate{Valid: true, CX: 0.5, CY: -0.2}, 0.1)
	if cmd.Mode != types.ModeTrack {
		t.Fatalf("mode = %s", cmd.Mode)
	}
	if !near(cmd.Yaw, -0.5) || !near(cmd.Vertical, 0.2) {
		t.Errorf("PD output yaw=%v vertical=%v, want -0.5 and 0.2", cmd.Yaw, cmd.Vertical)
	}
	// TRACK creeps forward in proportion to the gate: 0.1 * 0.5 * 0.8.
	if !near(cmd.Forward, 0.04) {
		t.Errorf("forward = %v, want 0.04", cmd.Forward)
	}

	cmd = c.Step(Estimate{Valid: true, CX: 3}, 0.1)
	if cmd.Yaw != -1 || cmd.Forward != 0 {
		t.Errorf("far off target must saturate yaw and stop forward, got %+v", cmd)
	}
}

func TestControllerAllowedModes(t *testing.T) {
	cfg := testControllerConfig()
	cfg.AllowedModes = []types.Mode{types.ModeTrack, types.ModeLateralOnly}
	cfg.DefaultMode = types.ModeLateralOnly
	c := NewController(cfg)

	// SEARCH is not allowed, so the default takes over.
	cmd := c.Step(Estimate{T: 10, Age: math.Inf(1)}, 0.1)
	if c.Mode() != types.ModeLateralOnly {
		t.Fatalf("mode = %s, want LATERAL_ONLY", c.Mode())
	}
	if cmd.Mode != types.ModeFlyStraight || cmd.Forward != 0 || cmd.Vertical != 0 {
		t.Errorf("lateral start = %+v", cmd)
	}
	cmd = c.Step(Estimate{T: 11, Age: math.Inf(1)}, 0.1)
	if cmd.Mode != types.ModeFlyStraight || !near(cmd.Forward, 0.6) {
		t.Errorf("lateral mid-run = %+v, want forward 0.6", cmd)
	}
	cmd = c.Step(Estimate{T: 12.5, Age: math.Inf(1)}, 0.1)
	if cmd.Mode != types.ModeStop || cmd.Forward != 0 {
		t.Errorf("lateral after the window = %+v, want STOP", cmd)
	}

	cfg.AllowedModes = []types.Mode{types.ModeCapture}
	cfg.DefaultMode = types.ModeSearch
	if m := NewController(cfg).allow(types.ModeTrack); m != types.ModeCapture {
		t.Errorf("allow() = %s, want the first allowed mode", m)
	}
}

func TestControllerFlyStraightOverride(t *testing.T) {
	cfg := testControllerConfig()
	cfg.Override = types.ModeFlyStraight
	c := NewController(cfg)

	tests := []struct {
		t       float64
		mode    types.Mode
		forward float64
	}{
		{0, types.ModeFlyStraight, 0},
		{0.5, types.ModeFlyStraight, 0.3},
		{1, types.ModeFlyStraight, 0.6},
		{1.5, types.ModeFlyStraight, 0.3},
		{2.5, types.ModeSearch, 0},
	}
	for _, tt := range tests {
		cmd := c.Step(Estimate{T: tt.t, Age: math.Inf(1)}, 0.1)
		if cmd.Mode != tt.mode || !near(cmd.Forward, tt.forward) {
			t.Errorf("t=%v: %+v, want %s forward %v", tt.t, cmd, tt.mode, tt.forward)
		}
	}
}

func TestControllerStopHoldsLastCommand(t *testing.T) {
	cfg := testControllerConfig()
	cfg.Override = types.ModeStop
	c := NewController(cfg)
	if cmd := c.Step(Estimate{}, 0.1); cmd != (types.ControlCommand{Mode: types.ModeStop}) {
		t.Errorf("first STOP = %+v, want zero", cmd)
	}

	c.last, c.hasLast = types.ControlCommand{Yaw: 0.3, Vertical: -0.1, Forward: 0.5, Mode: types.ModeTrack}, true
	cmd := c.Step(Estimate{}, 0.1)
	if cmd.Mode != types.ModeStop || cmd.Yaw != 0.3 || cmd.Forward != 0.5 {
		t.Errorf("STOP = %+v, want the last outputs", cmd)
	}
}

// recordSender keeps every command payload.
type recordSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordSender) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, string(p))
	return nil
}

func (r *recordSender) commands(t *testing.T) []types.ControlCommand {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.ControlCommand
	for _, p := range r.sent {
		cmd, err := control.ParseCommand([]byte(p))
		if err != nil {
			t.Fatalf("runner sent an unparsable command %q: %v", p, err)
		}
		out = append(out, cmd)
	}
	return out
}

func testRunnerConfig() Config {
	return Config{
		Rate:       50,
		Tracker:    TrackerConfig{Alpha: 0.5, Hold: 500 * time.Millisecond, Decay: 0.9},
		Controller: testControllerConfig(),
	}
}

func TestNewRunnerRejectsBadRate(t *testing.T) {
	for _, rate := range []float64{0, -5, math.Inf(1), math.NaN()} {
		cfg := testRunnerConfig()
		cfg.Rate = rate
		if _, err := NewRunner(nil, &recordSender{}, cfg, nil, discardLogger()); err == nil {
			t.Errorf("rate %v accepted", rate)
		}
	}
}

func TestRunnerTick(t *testing.T) {
	out := &recordSender{}
	m := NewMetrics()
	r, err := NewRunner(nil, out, testRunnerConfig(), m, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// No sample yet: search.
	if cmd := r.Tick(0, 0.02); cmd.Mode != types.ModeSearch {
		t.Errorf("tick without telemetry = %s, want SEARCH", cmd.Mode)
	}

	// The detector's own timestamp is ignored.
	r.Observe(seen(9999, 0.9, 0.5, 0, 0.1))
	if cmd := r.Tick(0.02, 0.02); cmd.Mode != types.ModeTrack || cmd.Yaw >= 0 {
		t.Errorf("target right of centre should yaw left, got %+v", cmd)
	}
	if v := m.input.Get("confidence").(*expvar.Float).Value(); v != 0.9 {
		t.Errorf("input confidence = %v, want 0.9", v)
	}

	// A sample is consumed once; the next tick is a miss held by the tracker.
	if cmd := r.Tick(0.04, 0.02); cmd.Mode != types.ModeTrack {
		t.Errorf("held target = %s, want TRACK", cmd.Mode)
	}
	if v := m.input.Get("confidence").(*expvar.Float).Value(); v != 0 {
		t.Errorf("input confidence on a miss = %v, want 0", v)
	}

	cmds := out.commands(t)
	if len(cmds) != 3 || cmds[0].Mode != types.ModeSearch || cmds[1].Mode != types.ModeTrack {
		t.Errorf("sent %+v", cmds)
	}
	if st := r.Stats(); st.Ticks != 3 || st.Samples != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRunnerOverUDP(t *testing.T) {
	if testing.Short() {
		t.Skip("network test")
	}
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	out := &recordSender{}
	r, err := NewRunner(pc, out, testRunnerConfig(), NewMetrics(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	src, err := telemetry.NewUDPSink(pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			src.Send([]byte(telemetry.Encode(seen(1, 0.9, -0.4, 0, 0.1))))
			src.Send([]byte("garbage"))
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
		}
	}()

	err = r.Run(ctx)
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}

	st := r.Stats()
	if st.Ticks < 10 {
		t.Errorf("only %d ticks in 400ms at 50Hz", st.Ticks)
	}
	if st.Samples == 0 || st.ParseErrors == 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	tracked := false
	for _, cmd := range out.commands(t) {
		if cmd.Mode == types.ModeTrack && cmd.Yaw > 0 {
			tracked = true
		}
	}
	if !tracked {
		t.Error("a target left of centre never produced a right yaw command")
	}
}

func TestMetrics(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.ObserveInput(types.DetectionSample{})
	nilMetrics.ObserveOutput(types.ControlCommand{})

	m := NewMetrics()
	m.ObserveInput(seen(0, 0.8, 0.25, -0.5, 0.1))
	m.ObserveOutput(types.ControlCommand{Yaw: -0.3, Forward: 0.4, Mode: types.ModeApproach})
	if v := m.output.Get("yaw").(*expvar.Float).Value(); v != -0.3 {
		t.Errorf("output yaw = %v", v)
	}
	if v := m.output.Get("mode").(*expvar.Float).Value(); v != float64(types.ModeApproach) {
		t.Errorf("output mode = %v", v)
	}
	if v := m.input.Get("cy").(*expvar.Float).Value(); v != -0.5 {
		t.Errorf("input cy = %v", v)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, ln, discardLogger()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/debug/vars")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"navigate_output"`) {
		t.Errorf("/debug/vars is missing navigate_output:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
