package utils

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"testing"
)

func TestI420FrameSize(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		{320, 320, 153600},
		{640, 480, 460800},
		{2, 2, 6},
	}
	for _, tt := range tests {
		if got := I420FrameSize(tt.w, tt.h); got != tt.want {
			t.Errorf("I420FrameSize(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestNewRpicamArgs(t *testing.T) {
	args := NewRpicamArgs(320, 320, 30)
	if args[0] != "rpicam-vid" {
		t.Fatalf("expected rpicam-vid, got %s", args[0])
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"--width 320", "--height 320", "--framerate 30", "--codec yuv420", "-o -"} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv %q missing %q", joined, want)
		}
	}
}

func TestNewFFmpegRawArgs(t *testing.T) {
	args := NewFFmpegRawArgs("/tmp/flight.mp4", 320, 240, 15)
	if !slices.Contains(args, "/tmp/flight.mp4") {
		t.Error("input path missing from argv")
	}
	if !slices.Contains(args, "yuv420p") || !slices.Contains(args, "rawvideo") {
		t.Errorf("ffmpeg must emit raw yuv420p, got %v", args)
	}
	if !slices.Contains(args, "scale=320:240,fps=15") {
		t.Errorf("scale filter missing, got %v", args)
	}
	if args[len(args)-1] != "-" {
		t.Error("ffmpeg must write to stdout")
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected non-zero exit")
	}
	if !strings.Contains(cmd.Stderr.String(), "boom") {
		t.Errorf("stderr not captured: %q", cmd.Stderr.String())
	}

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	ShowError(log, "camera exited", err, cmd)
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("ShowError should include captured stderr, got %q", buf.String())
	}
}

func TestLockedBufferKeepsTail(t *testing.T) {
	var b lockedBuffer
	b.Write(bytes.Repeat([]byte("a"), maxStderr-1))
	b.Write([]byte("tail"))
	if b.Len() > maxStderr {
		t.Errorf("buffer grew past cap: %d", b.Len())
	}
	if !strings.HasSuffix(b.String(), "tail") {
		t.Error("latest write should be kept")
	}
}

func TestShowErrorWithoutCommand(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	ShowError(log, "socket failed", errors.New("address in use"), nil)
	if !strings.Contains(buf.String(), "socket failed") {
		t.Errorf("missing message: %q", buf.String())
	}
}
