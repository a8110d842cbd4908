package utils

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/andresmejia3/seeker/internal/logging"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr.
// This ensures we don't lose crash information if a camera or worker process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *lockedBuffer
}

// lockedBuffer lets the exec copier goroutine write while ShowError reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Keep the tail only; a chatty child must not grow memory without bound.
	if b.buf.Len()+len(p) > maxStderr {
		b.buf.Reset()
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

const maxStderr = 64 * 1024

// NewSafeCommand initializes a command and attaches a buffer to its Stderr.
// It prepares the command for execution but does not start it. The process
// is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError is the unified failure report. It logs the error and dumps the
// captured stderr when a SafeCommand is provided. Callers decide whether to exit.
func ShowError(log *slog.Logger, msg string, err error, s *SafeCommand) {
	attrs := []any{logging.Err(err)}
	if s != nil && s.Stderr.Len() > 0 {
		attrs = append(attrs, "stderr", s.Stderr.String())
	}
	log.Error(msg, attrs...)
}

// --- 2. Raw Video Sources ---

// I420FrameSize is the byte length of one planar YUV 4:2:0 frame.
func I420FrameSize(width, height int) int {
	return width * height * 3 / 2
}

// NewRpicamArgs builds the argv for the Pi camera streaming raw I420 frames to stdout.
func NewRpicamArgs(width, height, fps int) []string {
	return []string{
		"rpicam-vid",
		"-t", "0",
		"--width", strconv.Itoa(width),
		"--height", strconv.Itoa(height),
		"--framerate", strconv.Itoa(fps),
		"--codec", "yuv420",
		"--nopreview",
		"-o", "-",
	}
}

// NewFFmpegRawArgs builds the argv for decoding a video file into raw I420 frames.
// -re paces the output at the file's native rate, like a live camera would.
func NewFFmpegRawArgs(inputPath string, width, height, fps int) []string {
	// -hide_banner and -loglevel error keep the stderr buffer small
	return []string{
		"ffmpeg", "-hide_banner", "-loglevel", "error",
		"-re", "-i", inputPath,
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%d", width, height, fps),
		"-f", "rawvideo", "-pix_fmt", "yuv420p", "-",
	}
}
