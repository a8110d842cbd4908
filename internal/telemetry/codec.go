// Package telemetry carries the latest detection sample off the vehicle.
//
// Wire format, one record per datagram:
//
//	t,detected,confidence,cx,cy,size
//
// with t, confidence, cx and cy at 3 decimals, size at 4 and detected as
// true or false. Parse also accepts the 5-field form without t.
package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/andresmejia3/seeker/internal/types"
)

// Encode renders a sample in the telemetry wire format.
func Encode(s types.DetectionSample) string {
	return string(AppendEncode(nil, s))
}

// AppendEncode appends the encoded sample to dst without allocating.
func AppendEncode(dst []byte, s types.DetectionSample) []byte {
	dst = strconv.AppendFloat(dst, s.T, 'f', 3, 64)
	dst = append(dst, ',')
	dst = strconv.AppendBool(dst, s.Detected)
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, s.Confidence, 'f', 3, 64)
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, s.CX, 'f', 3, 64)
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, s.CY, 'f', 3, 64)
	dst = append(dst, ',')
	return strconv.AppendFloat(dst, s.Size, 'f', 4, 64)
}

// Parse decodes one telemetry record. hasT reports whether the record carried
// its own timestamp.
func Parse(b []byte) (s types.DetectionSample, hasT bool, err error) {
	line := strings.TrimSpace(string(b))
	if line == "" {
		return s, false, errors.New("empty payload")
	}

	parts := strings.Split(line, ",")
	if len(parts) != 5 && len(parts) != 6 {
		return s, false, fmt.Errorf("expected 5 or 6 fields, got %d", len(parts))
	}

	idx := 0
	if len(parts) == 6 {
		if s.T, err = parseF64(parts[0]); err != nil {
			return s, false, fmt.Errorf("t: %w", err)
		}
		idx = 1
	}

	if s.Detected, err = ParseBoolLoose(parts[idx]); err != nil {
		return s, false, fmt.Errorf("detected: %w", err)
	}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"confidence", &s.Confidence},
		{"cx", &s.CX},
		{"cy", &s.CY},
		{"size", &s.Size},
	}
	for i, f := range fields {
		if *f.dst, err = parseF64(parts[idx+1+i]); err != nil {
			return s, false, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return s, len(parts) == 6, nil
}

func parseF64(value string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

// ParseBoolLoose parses booleans from common telemetry encodings, including
// Python's True/False and numeric flags.
func ParseBoolLoose(value string) (bool, error) {
	norm := strings.ToLower(strings.TrimSpace(value))
	switch norm {
	case "1", "true", "yes", "y", "t":
		return true, nil
	case "0", "false", "no", "n", "f", "":
		return false, nil
	default:
		f, err := strconv.ParseFloat(norm, 64)
		if err != nil {
			return false, fmt.Errorf("not a boolean: %q", value)
		}
		return f != 0, nil
	}
}
