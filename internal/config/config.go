package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/seeker/internal/types"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete seeker configuration. Every subcommand reads the
// section it needs.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Detect   DetectConfig   `yaml:"detect"`
	Control  ControlConfig  `yaml:"control"`
	Navigate NavigateConfig `yaml:"navigate"`
	Replay   ReplayConfig   `yaml:"replay"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DetectConfig drives the detection process (camera -> engine -> telemetry).
type DetectConfig struct {
	Camera    CameraConfig    `yaml:"camera"`
	Inference InferenceConfig `yaml:"inference"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// StatsInterval is how often engine counters are logged. Zero disables it.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type CameraConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
	// Source is "rpicam" for the live camera or "file" to decode Input with ffmpeg.
	Source string `yaml:"source"`
	Input  string `yaml:"input"`
	// Command overrides the capture argv entirely when set.
	Command []string `yaml:"command,omitempty"`
	// ConvertBGR converts raw I420 frames to BGR24 before inference.
	ConvertBGR bool `yaml:"convert_bgr"`
}

type InferenceConfig struct {
	Backend       string        `yaml:"backend"` // onnx, python
	ModelPath     string        `yaml:"model_path"`
	InputWidth    int           `yaml:"input_width"`
	InputHeight   int           `yaml:"input_height"`
	Threshold     float64       `yaml:"threshold"`
	ConfidenceRow int           `yaml:"confidence_row"`
	IdleBackoff   time.Duration `yaml:"idle_backoff"`
	Python        PythonConfig  `yaml:"python"`
}

type PythonConfig struct {
	Command []string `yaml:"command"`
}

type TelemetryConfig struct {
	UDPAddr string     `yaml:"udp_addr"`
	MQTT    MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig enables the optional telemetry mirror when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	ClientID string `yaml:"client_id"`
}

// ControlConfig drives the command loop.
type ControlConfig struct {
	ListenAddr        string           `yaml:"listen_addr"`
	ReadBuffer        int              `yaml:"read_buffer"`
	HeartbeatInterval time.Duration    `yaml:"heartbeat_interval"`
	Layout            string           `yaml:"layout"` // xtail, throttle
	Actuators         []ActuatorConfig `yaml:"actuators"`
	Link              LinkConfig       `yaml:"link"`
}

// ActuatorConfig maps one mixer output to a physical servo or ESC channel.
type ActuatorConfig struct {
	Index    int  `yaml:"index"`
	Min      int  `yaml:"min"`
	Max      int  `yaml:"max"`
	Unipolar bool `yaml:"unipolar"`
}

type LinkConfig struct {
	// Device is a serial device path, or udp:, udps: or tcp: followed by
	// host:port for a network endpoint.
	Device       string        `yaml:"device"`
	Baud         int           `yaml:"baud"`
	SystemID     byte          `yaml:"system_id"`
	ParamTimeout time.Duration `yaml:"param_timeout"`
	LinkTimeout  time.Duration `yaml:"link_timeout"`
	// Preconditions are parameters that only take effect after a reboot.
	Preconditions []ParamConfig `yaml:"preconditions"`
	Parameters    []ParamConfig `yaml:"parameters"`
	CustomMode    *uint32       `yaml:"custom_mode,omitempty"`
	ForceArm      bool          `yaml:"force_arm"`
	ArmSettle     time.Duration `yaml:"arm_settle"`

	// RebootOnRestart asks the autopilot to reboot when a precondition had to
	// be written. RestartPoll is how often the precondition is re-checked.
	RebootOnRestart bool          `yaml:"reboot_on_restart"`
	RestartPoll     time.Duration `yaml:"restart_poll"`
}

type ParamConfig struct {
	Name  string  `yaml:"name"`
	Value float64 `yaml:"value"`
	Type  string  `yaml:"type"` // int8, int16, int32, real32
}

// NavigateConfig drives the steering process (telemetry -> commands).
type NavigateConfig struct {
	ListenAddr  string  `yaml:"listen_addr"`
	CommandAddr string  `yaml:"command_addr"`
	Rate        float64 `yaml:"rate"` // Hz
	ReadBuffer  int     `yaml:"read_buffer"`
	// MetricsAddr serves /debug/vars when set.
	MetricsAddr string           `yaml:"metrics_addr"`
	Tracker     TrackerConfig    `yaml:"tracker"`
	Controller  ControllerConfig `yaml:"controller"`
}

type TrackerConfig struct {
	Alpha            float64       `yaml:"alpha"`
	Hold             time.Duration `yaml:"hold"`
	Decay            float64       `yaml:"decay"`
	ReacquireConfMin float64       `yaml:"reacquire_conf_min"`
}

type OffsetsConfig struct {
	Yaw      float64 `yaml:"yaw"`
	Vertical float64 `yaml:"vertical"`
	Forward  float64 `yaml:"forward"`
}

// ControllerConfig holds steering gains and the mode policy. Modes are the
// command tokens (SEARCH, TRACK, ...).
type ControllerConfig struct {
	ConfMin        float64       `yaml:"conf_min"`
	Search         OffsetsConfig `yaml:"search"`
	Track          OffsetsConfig `yaml:"track"`
	Approach       OffsetsConfig `yaml:"approach"`
	Capture        OffsetsConfig `yaml:"capture"`
	XTol           float64       `yaml:"x_tol"`
	YTol           float64       `yaml:"y_tol"`
	CenteredFrames int           `yaml:"centered_frames"`
	SizeCapture    float64       `yaml:"size_capture"`
	KpX            float64       `yaml:"kp_x"`
	KdX            float64       `yaml:"kd_x"`
	KpY            float64       `yaml:"kp_y"`
	KdY            float64       `yaml:"kd_y"`
	BaseForward    float64       `yaml:"base_forward"`
	ForwardMin     float64       `yaml:"forward_min"`
	MaxForward     float64       `yaml:"max_forward"`
	XGate          float64       `yaml:"x_gate"`
	YGate          float64       `yaml:"y_gate"`
	Lead           float64       `yaml:"lead"`
	AllowedModes   []string      `yaml:"allowed_modes"`
	DefaultMode    string        `yaml:"default_mode"`
	// Override forces one mode; empty leaves the state machine in charge.
	Override    string            `yaml:"override"`
	FlyStraight FlyStraightConfig `yaml:"fly_straight"`
}

type FlyStraightConfig struct {
	Duration time.Duration `yaml:"duration"`
	Forward  float64       `yaml:"forward"`
	Yaw      float64       `yaml:"yaw"`
	Vertical float64       `yaml:"vertical"`
	After    string        `yaml:"after"`
}

type ReplayConfig struct {
	Addr       string  `yaml:"addr"`
	Speed      float64 `yaml:"speed"`
	Loop       bool    `yaml:"loop"`
	PrintEvery int     `yaml:"print_every"`
}

type ArchiveConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// Default returns the configuration the vehicle was flown with.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Detect: DetectConfig{
			Camera: CameraConfig{
				Width:      320,
				Height:     320,
				FPS:        30,
				Source:     "rpicam",
				ConvertBGR: true,
			},
			Inference: InferenceConfig{
				Backend:       "onnx",
				ModelPath:     "model.onnx",
				InputWidth:    320,
				InputHeight:   320,
				Threshold:     0.45,
				ConfidenceRow: 5,
				IdleBackoff:   10 * time.Millisecond,
				Python: PythonConfig{
					Command: []string{"python3", "-u", "python/worker.py"},
				},
			},
			Telemetry: TelemetryConfig{
				UDPAddr: "127.0.0.1:9001",
				MQTT: MQTTConfig{
					Topic: "seeker/telemetry",
				},
			},
			StatsInterval: 10 * time.Second,
		},
		Control: ControlConfig{
			ListenAddr:        "0.0.0.0:9002",
			ReadBuffer:        1024,
			HeartbeatInterval: 500 * time.Millisecond,
			Layout:            "xtail",
			Actuators: []ActuatorConfig{
				{Index: 1, Min: 700, Max: 2200},
				{Index: 2, Min: 700, Max: 2200},
				{Index: 3, Min: 700, Max: 2200},
				{Index: 4, Min: 700, Max: 2200},
			},
			Link: LinkConfig{
				Device:       "/dev/serial0",
				Baud:         921600,
				SystemID:     255,
				ParamTimeout: time.Second,
				LinkTimeout:  10 * time.Second,
				Parameters: []ParamConfig{
					{Name: "MOT_PWM_TYPE", Value: 0, Type: "int8"},
					{Name: "RC_OVERRIDE_TIME", Value: 0, Type: "int16"},
					{Name: "BRD_SAFETYENABLE", Value: 0, Type: "int8"},
					{Name: "ARMING_CHECK", Value: 0, Type: "int32"},
					{Name: "SERVO_GPIO_MASK", Value: 0, Type: "int32"},
					{Name: "SERVO1_FUNCTION", Value: 0, Type: "int16"},
					{Name: "SERVO2_FUNCTION", Value: 0, Type: "int16"},
					{Name: "SERVO3_FUNCTION", Value: 0, Type: "int16"},
					{Name: "SERVO4_FUNCTION", Value: 0, Type: "int16"},
				},
				ForceArm:    true,
				ArmSettle:   time.Second,
				RestartPoll: 5 * time.Second,
			},
		},
		Navigate: NavigateConfig{
			ListenAddr:  "0.0.0.0:9001",
			CommandAddr: "127.0.0.1:9002",
			Rate:        20,
			ReadBuffer:  2048,
			Tracker: TrackerConfig{
				Alpha:            0.6,
				Hold:             500 * time.Millisecond,
				Decay:            0.9,
				ReacquireConfMin: 0.6,
			},
			Controller: ControllerConfig{
				ConfMin:        0.45,
				Search:         OffsetsConfig{Yaw: 0.2},
				Track:          OffsetsConfig{Forward: 0.1},
				Approach:       OffsetsConfig{Forward: 0.3},
				XTol:           0.08,
				YTol:           0.08,
				CenteredFrames: 5,
				SizeCapture:    0.25,
				KpX:            1.2,
				KdX:            0.15,
				KpY:            1.0,
				KdY:            0.1,
				BaseForward:    0.3,
				MaxForward:     0.6,
				XGate:          0.5,
				YGate:          0.5,
				Lead:           0.1,
				DefaultMode:    "SEARCH",
				FlyStraight: FlyStraightConfig{
					Duration: 4 * time.Second,
					Forward:  0.5,
					After:    "SEARCH",
				},
			},
		},
		Replay: ReplayConfig{
			Addr:       "127.0.0.1:9001",
			Speed:      1.0,
			PrintEvery: 0,
		},
	}
}

// ThrottleActuators is the single-ESC layout of the brushless demo.
func ThrottleActuators() []ActuatorConfig {
	return []ActuatorConfig{{Index: 1, Min: 1000, Max: 2000, Unipolar: true}}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then .env and SEEKER_* environment overrides. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// optional
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("SEEKER_LOG_LEVEL", &cfg.Log.Level)
	setString("SEEKER_LOG_FORMAT", &cfg.Log.Format)
	setString("SEEKER_TELEMETRY_ADDR", &cfg.Detect.Telemetry.UDPAddr)
	setString("SEEKER_MQTT_BROKER", &cfg.Detect.Telemetry.MQTT.Broker)
	setString("SEEKER_MODEL_PATH", &cfg.Detect.Inference.ModelPath)
	setString("SEEKER_BACKEND", &cfg.Detect.Inference.Backend)
	setString("SEEKER_CONTROL_ADDR", &cfg.Control.ListenAddr)
	setString("SEEKER_LINK_DEVICE", &cfg.Control.Link.Device)
	setString("SEEKER_NAVIGATE_ADDR", &cfg.Navigate.ListenAddr)
	setString("SEEKER_NAVIGATE_COMMAND_ADDR", &cfg.Navigate.CommandAddr)
	setString("SEEKER_NAVIGATE_OVERRIDE", &cfg.Navigate.Controller.Override)
	setString("SEEKER_METRICS_ADDR", &cfg.Navigate.MetricsAddr)
	setString("SEEKER_REPLAY_ADDR", &cfg.Replay.Addr)
	setString("DATABASE_URL", &cfg.Archive.DatabaseURL)

	// A layout change also swaps the actuator set and parameters.
	if v := getenv("SEEKER_LAYOUT"); v != "" {
		cfg.Control.UseLayout(v)
	}

	if v := getenv("SEEKER_LINK_BAUD"); v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SEEKER_LINK_BAUD: %w", err)
		}
		cfg.Control.Link.Baud = baud
	}
	if v := getenv("SEEKER_THRESHOLD"); v != "" {
		th, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SEEKER_THRESHOLD: %w", err)
		}
		cfg.Detect.Inference.Threshold = th
	}
	return nil
}

// UseLayout switches the control layout and, when the actuator list is still
// the default of the other layout, swaps in the matching actuator set.
func (c *ControlConfig) UseLayout(layout string) {
	layout = strings.ToLower(layout)
	if layout == c.Layout {
		return
	}
	c.Layout = layout
	if layout == "throttle" && len(c.Actuators) == 4 {
		c.Actuators = ThrottleActuators()
		c.Link.Parameters = []ParamConfig{
			{Name: "MOT_PWM_TYPE", Value: 6, Type: "int8"},
			{Name: "SERVO1_FUNCTION", Value: 0, Type: "int16"},
			{Name: "BRD_SAFETYENABLE", Value: 0, Type: "int8"},
			{Name: "ARMING_CHECK", Value: 0, Type: "int32"},
		}
	}
	if layout == "xtail" && len(c.Actuators) == 1 {
		c.Actuators = Default().Control.Actuators
		c.Link.Parameters = Default().Control.Link.Parameters
	}
}

// Validate rejects impossible values before anything starts.
func Validate(cfg *Config) error {
	var errs []error

	cam := cfg.Detect.Camera
	if cam.Width <= 0 || cam.Height <= 0 {
		errs = append(errs, fmt.Errorf("detect.camera: width and height must be positive, got %dx%d", cam.Width, cam.Height))
	}
	if cam.Width%2 != 0 || cam.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("detect.camera: I420 frames need even dimensions, got %dx%d", cam.Width, cam.Height))
	}
	if cam.FPS <= 0 {
		errs = append(errs, fmt.Errorf("detect.camera.fps must be positive, got %d", cam.FPS))
	}
	switch cam.Source {
	case "rpicam":
	case "file":
		if cam.Input == "" && len(cam.Command) == 0 {
			errs = append(errs, errors.New("detect.camera.input is required when source is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("detect.camera.source must be rpicam or file, got %q", cam.Source))
	}

	inf := cfg.Detect.Inference
	switch inf.Backend {
	case "onnx", "python":
	default:
		errs = append(errs, fmt.Errorf("detect.inference.backend must be onnx or python, got %q", inf.Backend))
	}
	if inf.Threshold < 0 || inf.Threshold > 1 {
		errs = append(errs, fmt.Errorf("detect.inference.threshold must be in [0,1], got %v", inf.Threshold))
	}
	if inf.ConfidenceRow < 4 {
		errs = append(errs, fmt.Errorf("detect.inference.confidence_row must be >= 4 (rows 0-3 are the box), got %d", inf.ConfidenceRow))
	}
	if inf.InputWidth <= 0 || inf.InputHeight <= 0 {
		errs = append(errs, fmt.Errorf("detect.inference: input size must be positive, got %dx%d", inf.InputWidth, inf.InputHeight))
	}
	if inf.IdleBackoff <= 0 {
		errs = append(errs, errors.New("detect.inference.idle_backoff must be positive"))
	}
	if inf.Backend == "python" && len(inf.Python.Command) == 0 {
		errs = append(errs, errors.New("detect.inference.python.command is empty"))
	}
	if cfg.Detect.Telemetry.UDPAddr == "" {
		errs = append(errs, errors.New("detect.telemetry.udp_addr is required"))
	}
	if cfg.Detect.Telemetry.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("detect.telemetry.mqtt.qos must be 0, 1 or 2, got %d", cfg.Detect.Telemetry.MQTT.QoS))
	}

	errs = append(errs, validateControl(&cfg.Control)...)
	errs = append(errs, validateNavigate(&cfg.Navigate)...)

	if cfg.Replay.Speed <= 0 {
		errs = append(errs, fmt.Errorf("replay.speed must be positive, got %v", cfg.Replay.Speed))
	}
	return errors.Join(errs...)
}

func validateControl(c *ControlConfig) []error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("control.listen_addr is required"))
	}
	if c.ReadBuffer <= 0 {
		errs = append(errs, fmt.Errorf("control.read_buffer must be positive, got %d", c.ReadBuffer))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("control.heartbeat_interval must be positive"))
	}

	want := 0
	switch c.Layout {
	case "xtail":
		want = 4
	case "throttle":
		want = 1
	default:
		errs = append(errs, fmt.Errorf("control.layout must be xtail or throttle, got %q", c.Layout))
	}
	if want > 0 && len(c.Actuators) != want {
		errs = append(errs, fmt.Errorf("control.actuators: layout %s needs %d actuators, got %d", c.Layout, want, len(c.Actuators)))
	}

	seen := make(map[int]bool)
	for _, a := range c.Actuators {
		if a.Min >= a.Max {
			errs = append(errs, fmt.Errorf("control.actuators[%d]: min %d must be below max %d", a.Index, a.Min, a.Max))
		}
		if seen[a.Index] {
			errs = append(errs, fmt.Errorf("control.actuators: duplicate index %d", a.Index))
		}
		seen[a.Index] = true
	}

	l := c.Link
	if l.Device == "" {
		errs = append(errs, errors.New("control.link.device is required"))
	}
	if !isNetworkDevice(l.Device) && l.Baud <= 0 {
		errs = append(errs, fmt.Errorf("control.link.baud must be positive, got %d", l.Baud))
	}
	if l.ParamTimeout <= 0 {
		errs = append(errs, errors.New("control.link.param_timeout must be positive"))
	}
	if l.RestartPoll <= 0 {
		errs = append(errs, errors.New("control.link.restart_poll must be positive"))
	}
	for _, p := range append(append([]ParamConfig{}, l.Preconditions...), l.Parameters...) {
		if p.Name == "" || len(p.Name) > 16 {
			errs = append(errs, fmt.Errorf("control.link: parameter name %q must be 1-16 characters", p.Name))
		}
		switch p.Type {
		case "int8", "int16", "int32", "real32", "uint8", "uint16", "uint32":
		default:
			errs = append(errs, fmt.Errorf("control.link: parameter %s has unknown type %q", p.Name, p.Type))
		}
	}
	return errs
}

func validateNavigate(n *NavigateConfig) []error {
	var errs []error
	if n.ListenAddr == "" {
		errs = append(errs, errors.New("navigate.listen_addr is required"))
	}
	if n.CommandAddr == "" {
		errs = append(errs, errors.New("navigate.command_addr is required"))
	}
	if !(n.Rate > 0) || math.IsInf(n.Rate, 0) {
		errs = append(errs, fmt.Errorf("navigate.rate must be a positive number of Hz, got %v", n.Rate))
	}
	if n.ReadBuffer <= 0 {
		errs = append(errs, fmt.Errorf("navigate.read_buffer must be positive, got %d", n.ReadBuffer))
	}
	if a := n.Tracker.Alpha; a < 0 || a >= 1 {
		errs = append(errs, fmt.Errorf("navigate.tracker.alpha must be in [0,1), got %v", a))
	}
	if n.Tracker.Hold < 0 {
		errs = append(errs, errors.New("navigate.tracker.hold must not be negative"))
	}

	c := n.Controller
	if c.XTol <= 0 || c.YTol <= 0 {
		errs = append(errs, fmt.Errorf("navigate.controller: x_tol and y_tol must be positive, got %v and %v", c.XTol, c.YTol))
	}
	if c.XGate <= 0 || c.YGate <= 0 {
		errs = append(errs, fmt.Errorf("navigate.controller: x_gate and y_gate must be positive, got %v and %v", c.XGate, c.YGate))
	}
	if c.CenteredFrames < 1 {
		errs = append(errs, fmt.Errorf("navigate.controller.centered_frames must be at least 1, got %d", c.CenteredFrames))
	}
	if c.MaxForward < 0 || c.MaxForward > 1 {
		errs = append(errs, fmt.Errorf("navigate.controller.max_forward must be in [0,1], got %v", c.MaxForward))
	}
	// An empty default, override or after mode means "not set".
	for _, m := range []string{c.DefaultMode, c.Override, c.FlyStraight.After} {
		if m == "" {
			continue
		}
		if _, err := types.ParseMode(m); err != nil {
			errs = append(errs, fmt.Errorf("navigate.controller: %w", err))
		}
	}
	for _, m := range c.AllowedModes {
		if _, err := types.ParseMode(m); err != nil {
			errs = append(errs, fmt.Errorf("navigate.controller.allowed_modes: %w", err))
		}
	}
	return errs
}

func isNetworkDevice(device string) bool {
	for _, prefix := range []string{"udp:", "udps:", "tcp:"} {
		if strings.HasPrefix(device, prefix) {
			return true
		}
	}
	return false
}
