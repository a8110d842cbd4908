package detector

import (
	"context"
	"fmt"
	"math"

	"github.com/andresmejia3/seeker/internal/types"
)

// Backend runs the detection model on one frame.
type Backend interface {
	Infer(ctx context.Context, frame types.Frame) (Output, error)
	Close() error
}

// Output is a raw model output tensor in row-major order.
//
// The decoder expects a (C, N) candidate matrix, optionally with leading
// batch dimensions of size 1: rows 0-3 are the box center x, center y, width
// and height in model input pixels, and one further row holds the confidence.
type Output struct {
	Shape []int
	Data  []float32
}

// Decoder turns model outputs into detection samples.
type Decoder struct {
	Width, Height int     // coordinate space of the box rows
	Threshold     float64 // detections need confidence strictly above this
	ConfidenceRow int
}

// Decode selects the candidate with the highest confidence and normalizes it.
// Any malformed output returns an error along with the not-detected sample.
func (d Decoder) Decode(out Output) (types.DetectionSample, error) {
	cols, err := d.matrix(out)
	if err != nil {
		return types.DetectionSample{}, err
	}
	if cols == 0 {
		return types.DetectionSample{}, nil
	}

	conf := out.Data[d.ConfidenceRow*cols : (d.ConfidenceRow+1)*cols]
	best := -1
	bestConf := math.Inf(-1)
	for j, c := range conf {
		v := float64(c)
		if math.IsNaN(v) {
			continue
		}
		if v > bestConf {
			best, bestConf = j, v
		}
	}
	if best < 0 || !(bestConf > d.Threshold) {
		return types.DetectionSample{}, nil
	}

	at := func(row int) float64 { return float64(out.Data[row*cols+best]) }
	x, y, w, h := at(0), at(1), at(2), at(3)

	halfW := float64(d.Width) / 2
	halfH := float64(d.Height) / 2
	return types.DetectionSample{
		Detected:   true,
		Confidence: clamp(bestConf, 0, 1),
		CX:         clamp((x-halfW)/halfW, -1, 1),
		CY:         clamp((y-halfH)/halfH, -1, 1),
		Size:       clamp((w*h)/(float64(d.Width)*float64(d.Height)), 0, 1),
	}, nil
}

func (d Decoder) matrix(out Output) (cols int, err error) {
	shape := out.Shape
	for len(shape) > 2 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 {
		return 0, fmt.Errorf("unexpected output shape %v", out.Shape)
	}
	rows := shape[0]
	cols = shape[1]
	if rows <= d.ConfidenceRow || rows < 4 {
		return 0, fmt.Errorf("output has %d rows, need more than %d", rows, d.ConfidenceRow)
	}
	if cols < 0 || len(out.Data) < rows*cols {
		return 0, fmt.Errorf("output data has %d values, shape %v needs %d", len(out.Data), out.Shape, rows*cols)
	}
	return cols, nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	return math.Max(lo, math.Min(hi, v))
}
