// Package vision holds the OpenCV-backed pieces of the detection pipeline:
// colorspace conversion and the in-process ONNX backend.
package vision

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/seeker/internal/detector"
	"github.com/andresmejia3/seeker/internal/types"
	"gocv.io/x/gocv"
)

// ToBGR converts an I420 frame to packed BGR24. BGR frames pass through.
func ToBGR(frame types.Frame) (types.Frame, error) {
	switch frame.Format {
	case types.FormatBGR24:
		return frame, nil
	case types.FormatI420:
	default:
		return frame, fmt.Errorf("unsupported pixel format %q", frame.Format)
	}

	mat, err := matFromFrame(frame)
	if err != nil {
		return frame, err
	}
	defer mat.Close()

	frame.Data = mat.ToBytes()
	frame.Format = types.FormatBGR24
	return frame, nil
}

// matFromFrame returns a BGR Mat for frame. The caller owns the Mat.
func matFromFrame(frame types.Frame) (gocv.Mat, error) {
	switch frame.Format {
	case types.FormatBGR24:
		return gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	case types.FormatI420:
		// I420 is stored as a single-channel image 1.5x the frame height.
		yuv, err := gocv.NewMatFromBytes(frame.Height*3/2, frame.Width, gocv.MatTypeCV8UC1, frame.Data)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("wrap I420 frame: %w", err)
		}
		defer yuv.Close()

		bgr := gocv.NewMat()
		gocv.CvtColor(yuv, &bgr, gocv.ColorYUVToBGRIYUV)
		if bgr.Empty() {
			bgr.Close()
			return gocv.NewMat(), fmt.Errorf("I420 conversion produced an empty image")
		}
		return bgr, nil
	default:
		return gocv.NewMat(), fmt.Errorf("unsupported pixel format %q", frame.Format)
	}
}

// ONNXBackend runs the detector model in-process with the OpenCV DNN module.
type ONNXBackend struct {
	net           gocv.Net
	width, height int
}

func NewONNXBackend(modelPath string, width, height int) (*ONNXBackend, error) {
	// OpenCV aborts on unreadable files instead of returning an empty net.
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load ONNX model %s", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &ONNXBackend{net: net, width: width, height: height}, nil
}

// Infer scales pixels to [0,1], resizes to the model input and swaps to RGB.
func (b *ONNXBackend) Infer(ctx context.Context, frame types.Frame) (detector.Output, error) {
	if err := ctx.Err(); err != nil {
		return detector.Output{}, err
	}

	img, err := matFromFrame(frame)
	if err != nil {
		return detector.Output{}, err
	}
	defer img.Close()

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(b.width, b.height), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()

	if out.Empty() {
		return detector.Output{}, fmt.Errorf("model returned an empty tensor")
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return detector.Output{}, fmt.Errorf("read output tensor: %w", err)
	}

	// The tensor memory belongs to the Mat; copy before it is closed.
	res := detector.Output{
		Shape: out.Size(),
		Data:  make([]float32, len(data)),
	}
	copy(res.Data, data)
	return res, nil
}

func (b *ONNXBackend) Close() error {
	return b.net.Close()
}
