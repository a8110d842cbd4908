package detector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/seeker/internal/types"
)

var testDecoder = Decoder{Width: 320, Height: 320, Threshold: 0.45, ConfidenceRow: 5}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// candidates builds a (6, N) output from per-candidate [x, y, w, h, cls, conf] columns.
func candidates(cols ...[6]float32) Output {
	n := len(cols)
	data := make([]float32, 6*n)
	for j, c := range cols {
		for r := 0; r < 6; r++ {
			data[r*n+j] = c[r]
		}
	}
	return Output{Shape: []int{1, 6, n}, Data: data}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		out     Output
		want    types.DetectionSample
		wantErr bool
	}{
		{
			name: "Center detection",
			out:  candidates([6]float32{160, 160, 32, 32, 0, 0.9}),
			want: types.DetectionSample{Detected: true, Confidence: 0.9, CX: 0, CY: 0, Size: 0.01},
		},
		{
			name: "Best of several",
			out: candidates(
				[6]float32{10, 10, 5, 5, 0, 0.5},
				[6]float32{240, 80, 64, 32, 0, 0.8},
				[6]float32{300, 300, 5, 5, 0, 0.46},
			),
			want: types.DetectionSample{Detected: true, Confidence: 0.8, CX: 0.5, CY: -0.5, Size: 0.02},
		},
		{
			name: "Exactly at threshold is not detected",
			out:  candidates([6]float32{160, 160, 32, 32, 0, 0.45}),
			want: types.DetectionSample{},
		},
		{
			name: "Below threshold",
			out:  candidates([6]float32{160, 160, 32, 32, 0, 0.2}),
			want: types.DetectionSample{},
		},
		{
			name: "Box outside frame is clamped",
			out:  candidates([6]float32{-100, 700, 640, 640, 0, 0.99}),
			want: types.DetectionSample{Detected: true, Confidence: 0.99, CX: -1, CY: 1, Size: 1},
		},
		{
			name: "Zero candidates",
			out:  Output{Shape: []int{1, 6, 0}},
			want: types.DetectionSample{},
		},
		{
			name:    "Too few rows",
			out:     Output{Shape: []int{1, 5, 1}, Data: make([]float32, 5)},
			wantErr: true,
		},
		{
			name:    "Data shorter than shape",
			out:     Output{Shape: []int{6, 4}, Data: make([]float32, 10)},
			wantErr: true,
		},
		{
			name:    "Wrong rank",
			out:     Output{Shape: []int{24}, Data: make([]float32, 24)},
			wantErr: true,
		},
		{
			name:    "Empty output",
			out:     Output{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testDecoder.Decode(tt.out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got.Detected != tt.want.Detected {
				t.Fatalf("Detected = %v, want %v", got.Detected, tt.want.Detected)
			}
			const eps = 1e-6
			if math.Abs(got.Confidence-tt.want.Confidence) > eps ||
				math.Abs(got.CX-tt.want.CX) > eps ||
				math.Abs(got.CY-tt.want.CY) > eps ||
				math.Abs(got.Size-tt.want.Size) > eps {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestDecodeTotal checks that every decoded sample stays inside its documented range.
func TestDecodeTotal(t *testing.T) {
	values := []float32{-1e6, -1, 0, 0.5, 1, 160, 320, 1e6, float32(math.NaN()), float32(math.Inf(1))}
	for _, x := range values {
		for _, w := range values {
			s, err := testDecoder.Decode(candidates([6]float32{x, x, w, w, 0, 0.9}))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.CX < -1 || s.CX > 1 || s.CY < -1 || s.CY > 1 || s.Size < 0 || s.Size > 1 {
				t.Errorf("x=%v w=%v: sample out of range: %+v", x, w, s)
			}
		}
	}
}

type fakeBackend struct {
	mu    sync.Mutex
	out   Output
	err   error
	delay time.Duration
	calls atomic.Int64
	seen  []uint64
}

func (f *fakeBackend) Infer(ctx context.Context, frame types.Frame) (Output, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, frame.Seq)
	return f.out, f.err
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) set(out Output, err error) {
	f.mu.Lock()
	f.out, f.err = out, err
	f.mu.Unlock()
}

func TestIngestFrameOverwritesAndCountsDrops(t *testing.T) {
	backend := &fakeBackend{out: candidates([6]float32{160, 160, 32, 32, 0, 0.9})}
	e := NewEngine(backend, testDecoder, time.Millisecond, discardLogger())

	for i := 1; i <= 3; i++ {
		e.IngestFrame(types.Frame{Seq: uint64(i)})
	}

	if !e.step(context.Background()) {
		t.Fatal("expected a pending frame")
	}
	if e.step(context.Background()) {
		t.Fatal("slot should be empty after one step")
	}

	if len(backend.seen) != 1 || backend.seen[0] != 3 {
		t.Errorf("inference should only see the newest frame, saw %v", backend.seen)
	}
	st := e.Stats()
	if st.FramesIngested != 3 || st.FramesDropped != 2 || st.Inferences != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if !e.Latest().Detected {
		t.Error("expected detection after step")
	}
}

func TestLatestDefaultsToNotDetected(t *testing.T) {
	e := NewEngine(&fakeBackend{}, testDecoder, time.Millisecond, discardLogger())
	if got := e.Latest(); got != (types.DetectionSample{}) {
		t.Errorf("Latest() before any inference = %+v, want zero sample", got)
	}
}

func TestBackendErrorYieldsNotDetected(t *testing.T) {
	backend := &fakeBackend{out: candidates([6]float32{160, 160, 32, 32, 0, 0.9})}
	e := NewEngine(backend, testDecoder, time.Millisecond, discardLogger())

	e.IngestFrame(types.Frame{Seq: 1})
	e.step(context.Background())
	if !e.Latest().Detected {
		t.Fatal("expected detection")
	}

	backend.set(Output{}, errors.New("worker crashed"))
	e.IngestFrame(types.Frame{Seq: 2})
	e.step(context.Background())
	if e.Latest().Detected {
		t.Error("backend error must reset the sample to not detected")
	}

	backend.set(Output{Shape: []int{2, 2}, Data: make([]float32, 4)}, nil)
	e.IngestFrame(types.Frame{Seq: 3})
	e.step(context.Background())
	if e.Latest().Detected {
		t.Error("malformed output must yield not detected")
	}
	if got := e.Stats().BackendErrors; got != 2 {
		t.Errorf("BackendErrors = %d, want 2", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	backend := &fakeBackend{out: candidates([6]float32{80, 240, 16, 16, 0, 0.7})}
	e := NewEngine(backend, testDecoder, time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.IngestFrame(types.Frame{Seq: 1})
	deadline := time.Now().Add(2 * time.Second)
	for !e.Latest().Detected {
		if time.Now().After(deadline) {
			t.Fatal("engine never produced a detection")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got := e.Latest()
	if math.Abs(got.CX+0.5) > 1e-6 || math.Abs(got.CY-0.5) > 1e-6 {
		t.Errorf("unexpected sample %+v", got)
	}
}

// TestIngestNeverBlocksOnInference feeds frames faster than a slow backend
// can consume them while readers poll Latest. Run with -race.
func TestIngestNeverBlocksOnInference(t *testing.T) {
	backend := &fakeBackend{
		out:   candidates([6]float32{160, 160, 32, 32, 0, 0.9}),
		delay: 20 * time.Millisecond,
	}
	e := NewEngine(backend, testDecoder, time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for ctx.Err() == nil {
				s := e.Latest()
				if s.Detected && s.Confidence != float64(float32(0.9)) {
					t.Errorf("torn sample: %+v", s)
					return
				}
			}
		}()
	}

	start := time.Now()
	for i := 1; i <= 100; i++ {
		e.IngestFrame(types.Frame{Seq: uint64(i)})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("ingesting 100 frames took %v; ingest must not wait for inference", elapsed)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	readers.Wait()

	st := e.Stats()
	if st.FramesDropped == 0 {
		t.Error("expected drops with a backend slower than the producer")
	}
	if st.FramesIngested != 100 {
		t.Errorf("FramesIngested = %d, want 100", st.FramesIngested)
	}
}
