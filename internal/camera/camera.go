// Package camera reads fixed-size raw frames from a capture subprocess.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/andresmejia3/seeker/internal/types"
	"github.com/andresmejia3/seeker/internal/utils"
)

// Source yields I420 frames of a fixed size from a byte stream.
type Source struct {
	width, height int
	frameSize     int
	seq           uint64

	r    io.Reader
	out  io.Closer
	cmd  *utils.SafeCommand
	once sync.Once
}

// Start launches argv and reads raw I420 frames from its stdout.
// The process is killed on ctx cancellation or Close.
func Start(ctx context.Context, argv []string, width, height int) (*Source, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty capture command")
	}
	cmd := utils.NewSafeCommand(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	s := NewReaderSource(stdout, width, height)
	s.out = stdout
	s.cmd = cmd
	return s, nil
}

// NewReaderSource reads frames from r. Used for recorded raw streams and tests.
func NewReaderSource(r io.Reader, width, height int) *Source {
	return &Source{
		width:     width,
		height:    height,
		frameSize: utils.I420FrameSize(width, height),
		r:         r,
	}
}

// FrameSize is the number of bytes read per frame.
func (s *Source) FrameSize() int { return s.frameSize }

// Command returns the capture subprocess, or nil for reader sources.
func (s *Source) Command() *utils.SafeCommand { return s.cmd }

// ReadFrame blocks until one whole frame is available. It returns io.EOF when
// the stream ends cleanly on a frame boundary and io.ErrUnexpectedEOF when it
// ends mid-frame.
func (s *Source) ReadFrame() (types.Frame, error) {
	buf := make([]byte, s.frameSize)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return types.Frame{}, err
	}
	s.seq++
	return types.Frame{
		Seq:    s.seq,
		Width:  s.width,
		Height: s.height,
		Format: types.FormatI420,
		Data:   buf,
	}, nil
}

// Close stops the capture process and reaps it. Safe to call more than once.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		if s.out != nil {
			s.out.Close()
		}
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		// Killing an already exited process returns an error we don't care about.
		_ = s.cmd.Process.Kill()
		if werr := s.cmd.Wait(); werr != nil && !isKilled(werr) {
			err = fmt.Errorf("capture process: %w", werr)
		}
	})
	return err
}

// isKilled reports whether the process ended by signal rather than exiting.
func isKilled(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee) && !ee.Exited()
}
