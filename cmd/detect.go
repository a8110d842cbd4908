package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/seeker/internal/camera"
	"github.com/andresmejia3/seeker/internal/config"
	"github.com/andresmejia3/seeker/internal/detector"
	"github.com/andresmejia3/seeker/internal/logging"
	"github.com/andresmejia3/seeker/internal/telemetry"
	"github.com/andresmejia3/seeker/internal/utils"
	"github.com/andresmejia3/seeker/internal/vision"
	"github.com/andresmejia3/seeker/internal/worker"
	"github.com/spf13/cobra"
)

// DetectOptions are the detect flags that override the config file.
type DetectOptions struct {
	Input         string
	Model         string
	Backend       string
	Threshold     float64
	TelemetryAddr string
	MQTTBroker    string
}

var detectOpts DetectOptions

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run the camera, the detector and the telemetry sender",
	Long: "Streams frames from the camera (or a video file with --input), keeps the latest " +
		"detection estimate and sends one telemetry record per frame over UDP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDetectFlags(cmd, &detectOpts, &cfg.Detect)
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return runDetect(cmd.Context(), cfg.Detect, logger)
	},
}

func init() {
	detectCmd.Flags().StringVarP(&detectOpts.Input, "input", "i", "", "Decode this video file instead of using the camera")
	detectCmd.Flags().StringVarP(&detectOpts.Model, "model", "m", "", "Path to the detector model")
	detectCmd.Flags().StringVar(&detectOpts.Backend, "backend", "", "Inference backend: onnx or python")
	detectCmd.Flags().Float64VarP(&detectOpts.Threshold, "threshold", "t", 0, "Minimum confidence for a detection")
	detectCmd.Flags().StringVar(&detectOpts.TelemetryAddr, "telemetry-addr", "", "host:port to send telemetry to")
	detectCmd.Flags().StringVar(&detectOpts.MQTTBroker, "mqtt-broker", "", "Mirror telemetry to this MQTT broker (host:port)")
	rootCmd.AddCommand(detectCmd)
}

func applyDetectFlags(cmd *cobra.Command, opts *DetectOptions, d *config.DetectConfig) {
	if cmd.Flags().Changed("input") {
		d.Camera.Source = "file"
		d.Camera.Input = opts.Input
	}
	if cmd.Flags().Changed("model") {
		d.Inference.ModelPath = opts.Model
	}
	if cmd.Flags().Changed("backend") {
		d.Inference.Backend = opts.Backend
	}
	if cmd.Flags().Changed("threshold") {
		d.Inference.Threshold = opts.Threshold
	}
	if cmd.Flags().Changed("telemetry-addr") {
		d.Telemetry.UDPAddr = opts.TelemetryAddr
	}
	if cmd.Flags().Changed("mqtt-broker") {
		d.Telemetry.MQTT.Broker = opts.MQTTBroker
	}
}

// captureArgs picks the capture command for the configured source.
func captureArgs(cam config.CameraConfig) ([]string, error) {
	if len(cam.Command) > 0 {
		return cam.Command, nil
	}
	switch cam.Source {
	case "rpicam":
		return utils.NewRpicamArgs(cam.Width, cam.Height, cam.FPS), nil
	case "file":
		if cam.Input == "" {
			return nil, errors.New("no input file given")
		}
		return utils.NewFFmpegRawArgs(cam.Input, cam.Width, cam.Height, cam.FPS), nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cam.Source)
	}
}

func openBackend(ctx context.Context, inf config.InferenceConfig) (detector.Backend, error) {
	switch inf.Backend {
	case "onnx":
		return vision.NewONNXBackend(inf.ModelPath, inf.InputWidth, inf.InputHeight)
	case "python":
		return worker.NewPythonWorker(ctx, inf.Python.Command, inf.ModelPath)
	default:
		return nil, fmt.Errorf("unknown inference backend %q", inf.Backend)
	}
}

func runDetect(ctx context.Context, d config.DetectConfig, log *slog.Logger) error {
	// 1. Inference backend
	backend, err := openBackend(ctx, d.Inference)
	if err != nil {
		return fmt.Errorf("failed to start %s backend: %w", d.Inference.Backend, err)
	}
	defer backend.Close()

	// 2. Telemetry sinks
	udp, err := telemetry.NewUDPSink(d.Telemetry.UDPAddr)
	if err != nil {
		return fmt.Errorf("failed to open telemetry socket: %w", err)
	}
	sinks := []telemetry.Sink{udp}
	var mirror *telemetry.MQTTSink
	if m := d.Telemetry.MQTT; m.Broker != "" {
		mqtt := telemetry.NewMQTTSink(telemetry.MQTTConfig{
			Broker:   m.Broker,
			Topic:    m.Topic,
			QoS:      m.QoS,
			ClientID: m.ClientID,
		}, log)
		if err := mqtt.Connect(ctx); err != nil {
			log.Warn("telemetry mirror disabled", "broker", m.Broker, logging.Err(err))
		} else {
			sinks = append(sinks, mqtt)
			mirror = mqtt
		}
	}
	defer func() {
		for _, s := range sinks {
			s.Close()
		}
	}()

	// 3. Frame source
	argv, err := captureArgs(d.Camera)
	if err != nil {
		return err
	}
	src, err := camera.Start(ctx, argv, d.Camera.Width, d.Camera.Height)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer src.Close()
	// A pending read only returns once the stream is closed.
	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer stop()

	// 4. Engine
	engine := detector.NewEngine(backend, detector.Decoder{
		Width:         d.Inference.InputWidth,
		Height:        d.Inference.InputHeight,
		Threshold:     d.Inference.Threshold,
		ConfidenceRow: d.Inference.ConfidenceRow,
	}, d.Inference.IdleBackoff, log)

	var convert telemetry.ConvertFunc
	if d.Camera.ConvertBGR {
		convert = vision.ToBGR
	}
	pump := telemetry.NewPump(src, engine, convert, sinks, log)

	engineCtx, cancelEngine := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(engineCtx)
	}()
	if d.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reportStats(engineCtx, d.StatsInterval, engine, pump, mirror, log)
		}()
	}

	log.Info("detection running",
		"argv", argv[0], "size", fmt.Sprintf("%dx%d@%d", d.Camera.Width, d.Camera.Height, d.Camera.FPS),
		"backend", d.Inference.Backend, "telemetry", d.Telemetry.UDPAddr)

	// 5. Pump runs until the source ends or we are interrupted
	err = pump.Run(ctx)
	cancelEngine()
	wg.Wait()

	if err != nil {
		utils.ShowError(log, "frame source failed", err, src.Command())
		return err
	}
	es, ps := engine.Stats(), pump.Stats()
	log.Info("detection stopped", "frames", ps.Frames, "inferences", es.Inferences, "dropped", es.FramesDropped, "sent", ps.Sent)
	return nil
}

// reportStats logs pipeline counters every tick. mirror may be nil.
func reportStats(ctx context.Context, every time.Duration, engine *detector.Engine, pump *telemetry.Pump, mirror *telemetry.MQTTSink, log *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			logStats(log, engine.Stats(), pump.Stats(), mirror)
		}
	}
}

func logStats(log *slog.Logger, es detector.Stats, ps telemetry.PumpStats, mirror *telemetry.MQTTSink) {
	attrs := []any{
		"frames", ps.Frames,
		"inferences", es.Inferences,
		"dropped", es.FramesDropped,
		"backend_errors", es.BackendErrors,
		"convert_errors", ps.ConvertErrors,
		"sent", ps.Sent,
		"send_errors", ps.SendErrors,
	}
	if mirror != nil {
		ms := mirror.Stats()
		attrs = append(attrs, slog.Group("mqtt",
			"connected", ms.Connected,
			"published", ms.Published,
			"errors", ms.Errors,
			"dropped", ms.Dropped))
	}
	log.Info("stats", attrs...)
}
