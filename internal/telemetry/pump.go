package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/seeker/internal/types"
)

// FrameSource yields raw frames at the camera's native rate.
type FrameSource interface {
	ReadFrame() (types.Frame, error)
}

// Detector is the slice of the detection engine the pump needs.
type Detector interface {
	IngestFrame(types.Frame)
	Latest() types.DetectionSample
}

// ConvertFunc prepares a raw frame for inference, e.g. I420 to BGR.
type ConvertFunc func(types.Frame) (types.Frame, error)

// PumpStats is a snapshot of pump counters.
type PumpStats struct {
	Frames        uint64
	ConvertErrors uint64
	Sent          uint64
	SendErrors    uint64
}

// Pump drains the frame source, feeds the engine and emits one telemetry
// record per frame. Its pace is set by the source, never by inference.
type Pump struct {
	source  FrameSource
	engine  Detector
	convert ConvertFunc
	sinks   []Sink
	log     *slog.Logger
	start   time.Time
	buf     []byte

	frames        atomic.Uint64
	convertErrors atomic.Uint64
	sent          atomic.Uint64
	sendErrors    atomic.Uint64
}

// NewPump wires a pump. convert may be nil to hand raw frames to the engine.
func NewPump(source FrameSource, engine Detector, convert ConvertFunc, sinks []Sink, log *slog.Logger) *Pump {
	return &Pump{
		source:  source,
		engine:  engine,
		convert: convert,
		sinks:   sinks,
		log:     log,
		start:   time.Now(),
	}
}

// Step reads one frame, hands it to the engine and sends the latest sample.
// It returns the sample that was sent.
func (p *Pump) Step() (types.DetectionSample, error) {
	frame, err := p.source.ReadFrame()
	if err != nil {
		return types.DetectionSample{}, err
	}
	p.frames.Add(1)

	if p.convert != nil {
		if frame, err = p.convert(frame); err != nil {
			p.convertErrors.Add(1)
			p.log.Debug("frame conversion failed", "seq", frame.Seq, "error", err)
		}
	}
	if err == nil {
		p.engine.IngestFrame(frame)
	}

	sample := p.engine.Latest()
	sample.T = time.Since(p.start).Seconds()

	p.buf = AppendEncode(p.buf[:0], sample)
	if p.log.Enabled(context.Background(), slog.LevelDebug) {
		p.log.Debug("telemetry", "record", string(p.buf))
	}

	for _, sink := range p.sinks {
		if err := sink.Send(p.buf); err != nil {
			p.sendErrors.Add(1)
			p.log.Debug("telemetry send failed", "error", err)
			continue
		}
		p.sent.Add(1)
	}
	return sample, nil
}

// Run steps until ctx is cancelled or the source ends. A source that ends
// cleanly or is closed by cancellation returns nil.
func (p *Pump) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := p.Step(); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("frame source: %w", err)
		}
	}
}

func (p *Pump) Stats() PumpStats {
	return PumpStats{
		Frames:        p.frames.Load(),
		ConvertErrors: p.convertErrors.Load(),
		Sent:          p.sent.Load(),
		SendErrors:    p.sendErrors.Load(),
	}
}
