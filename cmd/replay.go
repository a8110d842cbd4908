package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/seeker/internal/config"
	"github.com/andresmejia3/seeker/internal/replay"
	"github.com/andresmejia3/seeker/internal/store"
	"github.com/andresmejia3/seeker/internal/telemetry"
	"github.com/andresmejia3/seeker/internal/types"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// ReplayOptions holds the replay flags.
type ReplayOptions struct {
	LogID      string
	Addr       string
	Speed      float64
	Loop       bool
	PrintEvery int
	Quiet      bool
}

var replayOpts ReplayOptions

var replayCmd = &cobra.Command{
	Use:   "replay [log.csv]",
	Short: "Play a recorded telemetry log onto the telemetry channel",
	Long: "Sends each record of a recorded log as one telemetry datagram, keeping the " +
		"recorded timing (scaled by --speed). The log is a CSV file or, with --log, an archived log.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyReplayFlags(cmd, &replayOpts, &cfg.Replay)
		if err := validateReplayArgs(args, &replayOpts); err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return runReplay(cmd.Context(), args, replayOpts, cfg.Replay)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayOpts.LogID, "log", "", "Replay an archived log by ID instead of a file")
	replayCmd.Flags().StringVarP(&replayOpts.Addr, "addr", "a", "", "host:port to send telemetry to")
	replayCmd.Flags().Float64VarP(&replayOpts.Speed, "speed", "s", 1, "Playback speed multiplier")
	replayCmd.Flags().BoolVar(&replayOpts.Loop, "loop", false, "Start over when the log ends")
	replayCmd.Flags().IntVar(&replayOpts.PrintEvery, "print-every", 0, "Log every Nth record sent (0 disables)")
	replayCmd.Flags().BoolVarP(&replayOpts.Quiet, "quiet", "q", false, "No progress bar or echo")
	replayCmd.Flags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for --log")
	rootCmd.AddCommand(replayCmd)
}

func applyReplayFlags(cmd *cobra.Command, opts *ReplayOptions, r *config.ReplayConfig) {
	if cmd.Flags().Changed("addr") {
		r.Addr = opts.Addr
	}
	if cmd.Flags().Changed("speed") {
		r.Speed = opts.Speed
	}
	if cmd.Flags().Changed("loop") {
		r.Loop = opts.Loop
	}
	if cmd.Flags().Changed("print-every") {
		r.PrintEvery = opts.PrintEvery
	}
}

// validateReplayArgs requires exactly one of a file argument or --log.
func validateReplayArgs(args []string, opts *ReplayOptions) error {
	switch {
	case len(args) == 0 && opts.LogID == "":
		return errors.New("give a log file or --log <id>")
	case len(args) == 1 && opts.LogID != "":
		return errors.New("give either a log file or --log, not both")
	case len(args) == 1:
		info, err := os.Stat(args[0])
		if err != nil {
			return fmt.Errorf("unable to access log file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory, expected a CSV log", args[0])
		}
	}
	if opts.PrintEvery < 0 {
		return fmt.Errorf("print-every must be >= 0, got %d", opts.PrintEvery)
	}
	return nil
}

func loadRecords(ctx context.Context, args []string, opts ReplayOptions) ([]types.DetectionSample, string, error) {
	if opts.LogID != "" {
		db, err := store.New(ctx, resolveDatabaseURL(dbURL, cfg.Archive, os.Getenv))
		if err != nil {
			return nil, "", fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close(context.Background())
		recs, err := db.LoadLog(ctx, opts.LogID)
		return recs, "log " + opts.LogID, err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	recs, err := replay.LoadCSV(f)
	return recs, args[0], err
}

func runReplay(ctx context.Context, args []string, opts ReplayOptions, rc config.ReplayConfig) error {
	records, name, err := loadRecords(ctx, args, opts)
	if err != nil {
		return fmt.Errorf("failed to load log: %w", err)
	}

	sink, err := telemetry.NewUDPSink(rc.Addr)
	if err != nil {
		return fmt.Errorf("failed to open telemetry socket: %w", err)
	}
	defer sink.Close()

	var w io.Writer = os.Stderr
	if opts.Quiet {
		w = io.Discard
		rc.PrintEvery = 0
	}
	bar := progressbar.NewOptions(len(records),
		progressbar.OptionSetDescription("📡 Replaying"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
	)

	player := replay.NewPlayer(sink, replay.Options{
		Speed:      rc.Speed,
		Loop:       rc.Loop,
		PrintEvery: rc.PrintEvery,
		OnRecord: func(i int) {
			if i == 0 {
				bar.Reset()
			}
			bar.Add(1)
		},
	}, logger)

	logger.Info("replay starting", "log", name, "records", len(records), "addr", rc.Addr, "speed", rc.Speed, "loop", rc.Loop)
	st, err := player.Play(ctx, records)
	bar.Finish()
	fmt.Fprintln(w)
	if err != nil {
		return err
	}
	logger.Info("replay finished", "sent", st.Sent, "send_errors", st.SendErrors, "passes", st.Passes)
	return nil
}
