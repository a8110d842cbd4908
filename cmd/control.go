package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/andresmejia3/seeker/internal/config"
	"github.com/andresmejia3/seeker/internal/control"
	"github.com/andresmejia3/seeker/internal/link"
	"github.com/spf13/cobra"
)

var (
	controlLayout string
	controlListen string
	controlDevice string
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Arm the autopilot and turn command datagrams into actuator output",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("layout") {
			cfg.Control.UseLayout(controlLayout)
		}
		if cmd.Flags().Changed("listen") {
			cfg.Control.ListenAddr = controlListen
		}
		if cmd.Flags().Changed("device") {
			cfg.Control.Link.Device = controlDevice
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return runControl(cmd.Context(), cfg.Control, logger)
	},
}

func init() {
	controlCmd.Flags().StringVarP(&controlLayout, "layout", "l", "xtail", "Actuator layout: xtail or throttle")
	controlCmd.Flags().StringVar(&controlListen, "listen", "", "UDP address to receive commands on")
	controlCmd.Flags().StringVarP(&controlDevice, "device", "d", "", "Autopilot device (serial path, udp:host:port, tcp:host:port)")
	rootCmd.AddCommand(controlCmd)
}

// loopConfig translates validated configuration into the loop's terms.
func loopConfig(c config.ControlConfig) (control.Config, error) {
	mixer, err := control.NewMixer(c.Layout)
	if err != nil {
		return control.Config{}, err
	}

	actuators := make([]control.Actuator, len(c.Actuators))
	for i, a := range c.Actuators {
		actuators[i] = control.Actuator{Index: a.Index, Min: a.Min, Max: a.Max, Unipolar: a.Unipolar}
	}

	pre, err := linkParams(c.Link.Preconditions)
	if err != nil {
		return control.Config{}, err
	}
	params, err := linkParams(c.Link.Parameters)
	if err != nil {
		return control.Config{}, err
	}

	return control.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		ReadBuffer:        c.ReadBuffer,
		Mixer:             mixer,
		Actuators:         actuators,
		Setup: control.Setup{
			Preconditions:   pre,
			Parameters:      params,
			CustomMode:      c.Link.CustomMode,
			ForceArm:        c.Link.ForceArm,
			ArmSettle:       c.Link.ArmSettle,
			RebootOnRestart: c.Link.RebootOnRestart,
			RestartPoll:     c.Link.RestartPoll,
		},
	}, nil
}

func linkParams(in []config.ParamConfig) ([]link.Param, error) {
	out := make([]link.Param, 0, len(in))
	for _, p := range in {
		typ, err := link.ParseParamType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		out = append(out, link.Param{Name: p.Name, Value: p.Value, Type: typ})
	}
	return out, nil
}

func runControl(ctx context.Context, c config.ControlConfig, log *slog.Logger) error {
	lc, err := loopConfig(c)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp", c.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind command socket: %w", err)
	}
	defer conn.Close()

	lnk, err := link.Open(link.Config{
		Device:       c.Link.Device,
		Baud:         c.Link.Baud,
		SystemID:     c.Link.SystemID,
		ParamTimeout: c.Link.ParamTimeout,
		LinkTimeout:  c.Link.LinkTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open autopilot link: %w", err)
	}
	defer lnk.Close()

	loop, err := control.NewLoop(conn, lnk, lc, log)
	if err != nil {
		return err
	}

	log.Info("control starting", "layout", c.Layout, "listen", conn.LocalAddr().String(), "device", c.Link.Device)
	if err := loop.Configure(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("autopilot setup failed: %w", err)
	}

	err = loop.Run(ctx)
	st := loop.Stats()
	log.Info("control stopped",
		"datagrams", st.Datagrams,
		"parse_errors", st.ParseErrors,
		"dispatch_failures", st.DispatchFailures,
		"stale_discarded", st.StaleDiscarded,
		"heartbeats", st.HeartbeatsSent)
	return err
}
