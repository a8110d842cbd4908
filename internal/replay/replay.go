// Package replay plays a recorded telemetry log back onto the telemetry
// channel with its original timing, for bench-testing the navigation side
// without a camera.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/seeker/internal/telemetry"
	"github.com/andresmejia3/seeker/internal/types"
)

// Column aliases, matched case-insensitively.
var columns = map[string]string{
	"t":          "t",
	"detected":   "detected",
	"conf":       "confidence",
	"confidence": "confidence",
	"cx":         "cx",
	"cy":         "cy",
	"size":       "size",
}

// LoadCSV reads a telemetry log with a header row. Unknown columns are
// ignored and missing or empty values read as zero.
func LoadCSV(r io.Reader) ([]types.DetectionSample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("log is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	pos := make(map[string]int)
	for i, h := range header {
		if name, ok := columns[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, dup := pos[name]; !dup {
				pos[name] = i
			}
		}
	}
	if len(pos) == 0 {
		return nil, fmt.Errorf("no telemetry columns in header %q", strings.Join(header, ","))
	}

	var out []types.DetectionSample
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		get := func(name string) string {
			i, ok := pos[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		var s types.DetectionSample
		if s.Detected, err = telemetry.ParseBoolLoose(get("detected")); err != nil {
			return nil, fmt.Errorf("line %d: detected: %w", line, err)
		}
		for _, f := range []struct {
			name string
			dst  *float64
		}{
			{"t", &s.T},
			{"confidence", &s.Confidence},
			{"cx", &s.CX},
			{"cy", &s.CY},
			{"size", &s.Size},
		} {
			v := get(f.name)
			if v == "" {
				continue
			}
			if *f.dst, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, f.name, err)
			}
		}
		out = append(out, s)
	}
}

// Sender delivers one encoded record.
type Sender interface {
	Send([]byte) error
}

type Options struct {
	Speed      float64 // 2 plays twice as fast
	Loop       bool
	PrintEvery int // echo every Nth record; 0 disables
	// OnRecord is called after each record is handed to the sender.
	OnRecord func(i int)
}

// Stats summarizes a playback.
type Stats struct {
	Sent       int
	SendErrors int
	Passes     int
}

type Player struct {
	sender Sender
	opts   Options
	log    *slog.Logger
}

func NewPlayer(sender Sender, opts Options, log *slog.Logger) *Player {
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	return &Player{sender: sender, opts: opts, log: log}
}

// Play sends records in order, sleeping the recorded gap divided by the
// speed between them. It returns when the log is done, or on cancellation.
func (p *Player) Play(ctx context.Context, records []types.DetectionSample) (Stats, error) {
	var st Stats
	if len(records) == 0 {
		return st, errors.New("nothing to play")
	}

	buf := make([]byte, 0, 64)
	for {
		st.Passes++
		for i, rec := range records {
			if i > 0 {
				if err := sleep(ctx, gap(records[i-1].T, rec.T, p.opts.Speed)); err != nil {
					return st, nil
				}
			} else if ctx.Err() != nil {
				return st, nil
			}

			buf = telemetry.AppendEncode(buf[:0], rec)
			if err := p.sender.Send(buf); err != nil {
				st.SendErrors++
				p.log.Warn("send failed", "record", i, "error", err)
			} else {
				st.Sent++
			}

			if n := p.opts.PrintEvery; n > 0 && i%n == 0 {
				p.log.Info("replayed", "record", i, "line", string(buf))
			}
			if p.opts.OnRecord != nil {
				p.opts.OnRecord(i)
			}
		}
		if !p.opts.Loop {
			return st, nil
		}
	}
}

// gap is the wall-clock wait between two records. Out-of-order timestamps
// send immediately.
func gap(prev, next, speed float64) time.Duration {
	dt := (next - prev) / speed
	if dt <= 0 {
		return 0
	}
	return time.Duration(dt * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
