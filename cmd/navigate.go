package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/andresmejia3/seeker/internal/config"
	"github.com/andresmejia3/seeker/internal/logging"
	"github.com/andresmejia3/seeker/internal/navigate"
	"github.com/andresmejia3/seeker/internal/telemetry"
	"github.com/andresmejia3/seeker/internal/types"
	"github.com/spf13/cobra"
)

// NavigateOptions holds the navigate flags.
type NavigateOptions struct {
	Listen      string
	CommandAddr string
	Rate        float64
	Override    string
	MetricsAddr string
}

var navigateOpts NavigateOptions

var navigateCmd = &cobra.Command{
	Use:   "navigate",
	Short: "Steer toward the detected target: telemetry in, control commands out",
	Long: "Filters telemetry datagrams into a target estimate, runs the steering state machine " +
		"and sends one control command per tick to the control process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyNavigateFlags(cmd, &navigateOpts, &cfg.Navigate)
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return runNavigate(cmd.Context(), cfg.Navigate, logger)
	},
}

func init() {
	navigateCmd.Flags().StringVar(&navigateOpts.Listen, "listen", "", "UDP address to receive telemetry on")
	navigateCmd.Flags().StringVarP(&navigateOpts.CommandAddr, "command-addr", "c", "", "host:port of the control process")
	navigateCmd.Flags().Float64Var(&navigateOpts.Rate, "hz", 20, "Command rate")
	navigateCmd.Flags().StringVarP(&navigateOpts.Override, "mode-override", "m", "", "Force one mode (e.g. FLY_STRAIGHT)")
	navigateCmd.Flags().StringVar(&navigateOpts.MetricsAddr, "metrics-addr", "", "Serve /debug/vars on this address")
	rootCmd.AddCommand(navigateCmd)
}

func applyNavigateFlags(cmd *cobra.Command, opts *NavigateOptions, n *config.NavigateConfig) {
	if cmd.Flags().Changed("listen") {
		n.ListenAddr = opts.Listen
	}
	if cmd.Flags().Changed("command-addr") {
		n.CommandAddr = opts.CommandAddr
	}
	if cmd.Flags().Changed("hz") {
		n.Rate = opts.Rate
	}
	if cmd.Flags().Changed("mode-override") {
		n.Controller.Override = opts.Override
	}
	if cmd.Flags().Changed("metrics-addr") {
		n.MetricsAddr = opts.MetricsAddr
	}
}

// navigateConfig translates validated configuration into the runner's terms.
func navigateConfig(n config.NavigateConfig) (navigate.Config, error) {
	c := n.Controller
	parse := func(field, token string) (types.Mode, error) {
		if token == "" {
			return types.ModeUnknown, nil
		}
		m, err := types.ParseMode(token)
		if err != nil {
			return 0, fmt.Errorf("navigate.controller.%s: %w", field, err)
		}
		return m, nil
	}

	def, err := parse("default_mode", c.DefaultMode)
	if err != nil {
		return navigate.Config{}, err
	}
	override, err := parse("override", c.Override)
	if err != nil {
		return navigate.Config{}, err
	}
	after, err := parse("fly_straight.after", c.FlyStraight.After)
	if err != nil {
		return navigate.Config{}, err
	}
	var allowed []types.Mode
	for _, token := range c.AllowedModes {
		m, err := types.ParseMode(token)
		if err != nil {
			return navigate.Config{}, fmt.Errorf("navigate.controller.allowed_modes: %w", err)
		}
		allowed = append(allowed, m)
	}

	offsets := func(o config.OffsetsConfig) navigate.Offsets {
		return navigate.Offsets{Yaw: o.Yaw, Vertical: o.Vertical, Forward: o.Forward}
	}

	return navigate.Config{
		Rate:       n.Rate,
		ReadBuffer: n.ReadBuffer,
		Tracker: navigate.TrackerConfig{
			Alpha:            n.Tracker.Alpha,
			Hold:             n.Tracker.Hold,
			Decay:            n.Tracker.Decay,
			ReacquireConfMin: n.Tracker.ReacquireConfMin,
		},
		Controller: navigate.ControllerConfig{
			ConfMin:        c.ConfMin,
			Search:         offsets(c.Search),
			Track:          offsets(c.Track),
			Approach:       offsets(c.Approach),
			Capture:        offsets(c.Capture),
			XTol:           c.XTol,
			YTol:           c.YTol,
			CenteredFrames: c.CenteredFrames,
			SizeCapture:    c.SizeCapture,
			KpX:            c.KpX,
			KdX:            c.KdX,
			KpY:            c.KpY,
			KdY:            c.KdY,
			BaseForward:    c.BaseForward,
			ForwardMin:     c.ForwardMin,
			MaxForward:     c.MaxForward,
			XGate:          c.XGate,
			YGate:          c.YGate,
			Lead:           c.Lead,
			AllowedModes:   allowed,
			DefaultMode:    def,
			Override:       override,
			FlyStraight: navigate.FlyStraightConfig{
				Duration: c.FlyStraight.Duration,
				Forward:  c.FlyStraight.Forward,
				Yaw:      c.FlyStraight.Yaw,
				Vertical: c.FlyStraight.Vertical,
				After:    after,
			},
		},
	}, nil
}

func runNavigate(ctx context.Context, n config.NavigateConfig, log *slog.Logger) error {
	nc, err := navigateConfig(n)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp", n.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind telemetry socket: %w", err)
	}
	defer conn.Close()

	out, err := telemetry.NewUDPSink(n.CommandAddr)
	if err != nil {
		return fmt.Errorf("failed to open command socket: %w", err)
	}
	defer out.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var metrics *navigate.Metrics
	if n.MetricsAddr != "" {
		ln, err := net.Listen("tcp", n.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to bind metrics address: %w", err)
		}
		metrics = navigate.NewMetrics()
		go func() {
			if err := metrics.Serve(ctx, ln, log); err != nil {
				log.Warn("metrics server stopped", logging.Err(err))
			}
		}()
	}

	runner, err := navigate.NewRunner(conn, out, nc, metrics, log)
	if err != nil {
		return err
	}

	log.Info("navigate starting",
		"listen", conn.LocalAddr().String(),
		"commands", n.CommandAddr,
		"hz", n.Rate,
		"override", n.Controller.Override)
	err = runner.Run(ctx)
	st := runner.Stats()
	log.Info("navigate stopped",
		"samples", st.Samples,
		"parse_errors", st.ParseErrors,
		"ticks", st.Ticks,
		"send_errors", st.SendErrors)
	return err
}
