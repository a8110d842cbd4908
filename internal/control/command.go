package control

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/andresmejia3/seeker/internal/types"
)

// ParseError is a datagram that could not be turned into a command.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bad command %q: %v", e.Payload, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseCommand decodes "yaw,vertical,forward,mode". Values outside their
// ranges are accepted here and clamped by the mixer. A mode token that is not
// recognised still yields a command, with ModeUnknown, so that thrust stops.
func ParseCommand(b []byte) (types.ControlCommand, error) {
	payload := strings.TrimSpace(string(b))
	fail := func(err error) (types.ControlCommand, error) {
		return types.ControlCommand{}, &ParseError{Payload: payload, Err: err}
	}

	parts := strings.Split(payload, ",")
	if len(parts) != 4 {
		return fail(fmt.Errorf("expected 4 fields, got %d", len(parts)))
	}

	var vals [3]float64
	for i, name := range [3]string{"yaw", "vertical", "forward"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", name, err))
		}
		if math.IsNaN(v) {
			return fail(fmt.Errorf("%s is NaN", name))
		}
		vals[i] = v
	}

	token := strings.TrimSpace(parts[3])
	if token == "" {
		return fail(errors.New("empty mode"))
	}
	mode, err := types.ParseMode(token)
	if err != nil {
		mode = types.ModeUnknown
	}

	return types.ControlCommand{Yaw: vals[0], Vertical: vals[1], Forward: vals[2], Mode: mode}, nil
}

// FormatCommand renders a command in the wire format, four decimals per axis.
func FormatCommand(c types.ControlCommand) string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%s", c.Yaw, c.Vertical, c.Forward, c.Mode)
}
