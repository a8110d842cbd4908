package navigate

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/seeker/internal/types"
)

// Metrics exposes the latest input sample and output command as expvar
// floats, for live plotting from /debug/vars.
type Metrics struct {
	input  *expvar.Map
	output *expvar.Map
}

var publishOnce sync.Once

func NewMetrics() *Metrics {
	m := &Metrics{input: new(expvar.Map).Init(), output: new(expvar.Map).Init()}
	for _, k := range []string{"cx", "cy", "size", "confidence"} {
		m.input.Set(k, new(expvar.Float))
	}
	for _, k := range []string{"yaw", "vertical", "forward", "mode"} {
		m.output.Set(k, new(expvar.Float))
	}
	return m
}

// ObserveInput records the sample fed to the tracker. Safe on a nil receiver.
func (m *Metrics) ObserveInput(s types.DetectionSample) {
	if m == nil {
		return
	}
	setFloat(m.input, "cx", s.CX)
	setFloat(m.input, "cy", s.CY)
	setFloat(m.input, "size", s.Size)
	setFloat(m.input, "confidence", s.Confidence)
}

// ObserveOutput records the command sent. Safe on a nil receiver.
func (m *Metrics) ObserveOutput(c types.ControlCommand) {
	if m == nil {
		return
	}
	setFloat(m.output, "yaw", c.Yaw)
	setFloat(m.output, "vertical", c.Vertical)
	setFloat(m.output, "forward", c.Forward)
	setFloat(m.output, "mode", float64(c.Mode))
}

func setFloat(m *expvar.Map, key string, v float64) {
	if f, ok := m.Get(key).(*expvar.Float); ok {
		f.Set(v)
	}
}

// Serve publishes the metrics process-wide as navigate_input and
// navigate_output and serves /debug/vars on ln until ctx is cancelled.
// Only the first Metrics to be served is published.
func (m *Metrics) Serve(ctx context.Context, ln net.Listener, log *slog.Logger) error {
	publishOnce.Do(func() {
		expvar.Publish("navigate_input", m.input)
		expvar.Publish("navigate_output", m.output)
	})

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	})
	defer stop()

	log.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
