package detector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/seeker/internal/types"
)

// Stats is a snapshot of engine counters.
type Stats struct {
	FramesIngested uint64
	FramesDropped  uint64 // overwritten before inference picked them up
	Inferences     uint64
	BackendErrors  uint64
}

// Engine owns one pending-frame slot and the latest detection sample.
// IngestFrame never blocks on inference; Latest never observes a partial write.
type Engine struct {
	backend     Backend
	decoder     Decoder
	idleBackoff time.Duration
	log         *slog.Logger
	start       time.Time

	mu      sync.Mutex
	pending *types.Frame
	sample  types.DetectionSample

	ingested   atomic.Uint64
	dropped    atomic.Uint64
	inferences atomic.Uint64
	failures   atomic.Uint64

	failing bool // touched only by the inference goroutine
}

func NewEngine(backend Backend, decoder Decoder, idleBackoff time.Duration, log *slog.Logger) *Engine {
	if idleBackoff <= 0 {
		idleBackoff = 10 * time.Millisecond
	}
	return &Engine{
		backend:     backend,
		decoder:     decoder,
		idleBackoff: idleBackoff,
		log:         log,
		start:       time.Now(),
		sample:      types.NotDetected(0),
	}
}

// IngestFrame replaces the pending frame. An unconsumed frame is dropped.
func (e *Engine) IngestFrame(frame types.Frame) {
	e.ingested.Add(1)

	e.mu.Lock()
	if e.pending != nil {
		e.dropped.Add(1)
	}
	e.pending = &frame
	e.mu.Unlock()
}

// Latest returns a copy of the most recent completed detection.
func (e *Engine) Latest() types.DetectionSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sample
}

func (e *Engine) Stats() Stats {
	return Stats{
		FramesIngested: e.ingested.Load(),
		FramesDropped:  e.dropped.Load(),
		Inferences:     e.inferences.Load(),
		BackendErrors:  e.failures.Load(),
	}
}

// Run infers on pending frames until ctx is cancelled. Backend failures
// degrade to "not detected" and never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	idle := time.NewTimer(e.idleBackoff)
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if e.step(ctx) {
			continue
		}

		idle.Reset(e.idleBackoff)
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		}
	}
}

// step runs one inference if a frame is pending and reports whether it did.
func (e *Engine) step(ctx context.Context) bool {
	e.mu.Lock()
	frame := e.pending
	e.pending = nil
	e.mu.Unlock()

	if frame == nil {
		return false
	}

	sample := e.infer(ctx, *frame)
	sample.T = time.Since(e.start).Seconds()

	e.mu.Lock()
	e.sample = sample
	e.mu.Unlock()
	return true
}

func (e *Engine) infer(ctx context.Context, frame types.Frame) types.DetectionSample {
	e.inferences.Add(1)

	out, err := e.backend.Infer(ctx, frame)
	if err == nil {
		var sample types.DetectionSample
		sample, err = e.decoder.Decode(out)
		if err == nil {
			if e.failing {
				e.log.Info("inference recovered", "seq", frame.Seq)
				e.failing = false
			}
			return sample
		}
	}

	e.failures.Add(1)
	if ctx.Err() == nil {
		// Warn once per failure streak; the periodic stats carry the count.
		if !e.failing {
			e.log.Warn("inference failed, reporting not detected", "seq", frame.Seq, "error", err)
		} else {
			e.log.Debug("inference failed", "seq", frame.Seq, "error", err)
		}
		e.failing = true
	}
	return types.NotDetected(0)
}
