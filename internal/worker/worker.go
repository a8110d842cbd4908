// Package worker drives a long-lived Python ONNX Runtime process as a
// detection backend.
//
// Protocol: every message in either direction is a 4-byte big-endian length
// followed by a MessagePack body. Requests go to the child's stdin; responses
// come back on FD 3 so that stray prints on stdout cannot corrupt the stream.
// Stderr is captured for crash reports.
package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/seeker/internal/detector"
	"github.com/andresmejia3/seeker/internal/types"
	"github.com/andresmejia3/seeker/internal/utils"
	"github.com/vmihailenco/msgpack/v5"
)

// maxResponse bounds a response body; a corrupt length prefix must not
// trigger a huge allocation.
const maxResponse = 64 * 1024 * 1024

type request struct {
	Seq    uint64 `msgpack:"seq"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Format string `msgpack:"format"`
	Frame  []byte `msgpack:"frame"`
}

type response struct {
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
	Error string    `msgpack:"error,omitempty"`
}

type PythonWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts argv with the model path appended as --model.
func NewPythonWorker(ctx context.Context, argv []string, modelPath string) (*PythonWorker, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty python worker command")
	}
	args := append(append([]string{}, argv[1:]...), "--model", modelPath)
	py := utils.NewSafeCommand(ctx, argv[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("python worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed message and reads one framed reply.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed worker shows up here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response length %d exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Infer implements detector.Backend.
func (w *PythonWorker) Infer(ctx context.Context, frame types.Frame) (detector.Output, error) {
	if err := ctx.Err(); err != nil {
		return detector.Output{}, err
	}

	body, err := msgpack.Marshal(&request{
		Seq:    frame.Seq,
		Width:  frame.Width,
		Height: frame.Height,
		Format: string(frame.Format),
		Frame:  frame.Data,
	})
	if err != nil {
		return detector.Output{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	raw, err := w.Communicate(body)
	if err != nil {
		return detector.Output{}, fmt.Errorf("python worker pipe: %w", err)
	}

	var resp response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return detector.Output{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return detector.Output{}, fmt.Errorf("python worker error: %s", resp.Error)
	}
	return detector.Output{Shape: resp.Shape, Data: resp.Data}, nil
}

// Close ends the worker by closing its stdin and waits for it to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
