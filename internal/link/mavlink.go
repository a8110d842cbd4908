package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/minimal"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

const (
	// forceArmMagic bypasses the autopilot's pre-arm checks.
	forceArmMagic = 21196
	// silenceGap is how long the autopilot must be quiet before its next
	// heartbeat counts as a new epoch.
	silenceGap = 2 * time.Second
	maxParamID = 16
)

// Config describes how to reach the autopilot.
type Config struct {
	// Device is a serial path, or udp:host:port, udps:host:port or tcp:host:port.
	Device       string
	Baud         int
	SystemID     uint8
	ParamTimeout time.Duration
	LinkTimeout  time.Duration
}

type waiter struct {
	match func(message.Message) bool
	ch    chan message.Message
}

// MAVLink is an ActuatorLink speaking MAVLink v2 as a ground station.
type MAVLink struct {
	node *gomavlib.Node
	cfg  Config
	log  *slog.Logger

	mu      sync.Mutex
	session Session
	ready   chan struct{}
	waiters []*waiter

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Open starts a node on the configured endpoint and begins reading events.
func Open(cfg Config, log *slog.Logger) (*MAVLink, error) {
	ep, err := endpointFor(cfg.Device, cfg.Baud)
	if err != nil {
		return nil, err
	}
	if cfg.SystemID == 0 {
		cfg.SystemID = 255
	}
	if cfg.ParamTimeout <= 0 {
		cfg.ParamTimeout = time.Second
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{ep},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: cfg.SystemID,
		// The control loop owns the heartbeat cadence.
		HeartbeatDisable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mavlink endpoint %s: %w", cfg.Device, err)
	}

	m := &MAVLink{
		node:  node,
		cfg:   cfg,
		log:   log,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.readEvents()
	return m, nil
}

// endpointFor maps a device string onto a gomavlib endpoint.
func endpointFor(device string, baud int) (gomavlib.EndpointConf, error) {
	scheme, addr, found := strings.Cut(device, ":")
	if found && addr != "" {
		switch scheme {
		case "udp":
			return gomavlib.EndpointUDPClient{Address: addr}, nil
		case "udps":
			return gomavlib.EndpointUDPServer{Address: addr}, nil
		case "tcp":
			return gomavlib.EndpointTCPClient{Address: addr}, nil
		}
	}
	if device == "" {
		return nil, errors.New("no link device configured")
	}
	if baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d for %s", baud, device)
	}
	return gomavlib.EndpointSerial{Device: device, Baud: baud}, nil
}

// paramID trims a parameter name to the 16 characters MAVLink carries.
func paramID(name string) string {
	if len(name) > maxParamID {
		return name[:maxParamID]
	}
	return name
}

func (m *MAVLink) readEvents() {
	for evt := range m.node.Events() {
		frm, ok := evt.(*gomavlib.EventFrame)
		if !ok {
			continue
		}
		msg := frm.Message()

		if hb, ok := msg.(*minimal.MessageHeartbeat); ok {
			if hb.Type == minimal.MAV_TYPE_GCS {
				continue
			}
			m.observeHeartbeat(frm.SystemID(), frm.ComponentID(), time.Now())
			continue
		}
		m.deliver(msg)
	}
}

// observeHeartbeat records an autopilot heartbeat. The first one from the
// target fixes it; a heartbeat after a silence gap starts a new epoch.
func (m *MAVLink) observeHeartbeat(sys, comp uint8, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.session
	if !s.LastHeartbeat.IsZero() && s.SystemID != sys {
		return
	}
	if s.LastHeartbeat.IsZero() {
		s.SystemID, s.ComponentID = sys, comp
		close(m.ready)
	} else if now.Sub(s.LastHeartbeat) > silenceGap {
		s.Epoch++
		m.log.Info("autopilot reappeared", "system", sys, "epoch", s.Epoch)
	}
	s.LastHeartbeat = now
}

func (m *MAVLink) deliver(msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.match(msg) {
			w.ch <- msg // buffered, one delivery per waiter
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

// request writes msg and waits for the first reply accepted by match.
func (m *MAVLink) request(ctx context.Context, msg message.Message, match func(message.Message) bool) (message.Message, error) {
	w := &waiter{match: match, ch: make(chan message.Message, 1)}
	m.mu.Lock()
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	defer m.drop(w)

	if err := m.write(msg); err != nil {
		return nil, err
	}

	t := time.NewTimer(m.cfg.ParamTimeout)
	defer t.Stop()
	select {
	case reply := <-w.ch:
		return reply, nil
	case <-t.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, errors.New("link closed")
	}
}

func (m *MAVLink) drop(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.waiters {
		if o == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *MAVLink) write(msg message.Message) error {
	select {
	case <-m.done:
		return errors.New("link closed")
	default:
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.node.WriteMessageAll(msg)
	return nil
}

func (m *MAVLink) WaitReady(ctx context.Context) (Session, error) {
	if m.cfg.LinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.LinkTimeout)
		defer cancel()
	}
	select {
	case <-m.ready:
		return m.Session(), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Session{}, fmt.Errorf("no heartbeat on %s: %w", m.cfg.Device, ErrTimeout)
		}
		return Session{}, ctx.Err()
	}
}

func (m *MAVLink) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *MAVLink) SetParameter(ctx context.Context, p Param) error {
	s := m.Session()
	id := paramID(p.Name)
	reply, err := m.request(ctx, &common.MessageParamSet{
		TargetSystem:    s.SystemID,
		TargetComponent: s.ComponentID,
		ParamId:         id,
		ParamValue:      float32(p.Value),
		ParamType:       common.MAV_PARAM_TYPE(p.Type),
	}, matchParam(id))
	if err != nil {
		return fmt.Errorf("set %s: %w", p.Name, err)
	}
	if got := reply.(*common.MessageParamValue).ParamValue; got != float32(p.Value) {
		return fmt.Errorf("set %s: autopilot kept %v", p.Name, got)
	}
	return nil
}

func (m *MAVLink) GetParameter(ctx context.Context, name string) (float64, error) {
	s := m.Session()
	id := paramID(name)
	reply, err := m.request(ctx, &common.MessageParamRequestRead{
		TargetSystem:    s.SystemID,
		TargetComponent: s.ComponentID,
		ParamId:         id,
		ParamIndex:      -1,
	}, matchParam(id))
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", name, err)
	}
	return float64(reply.(*common.MessageParamValue).ParamValue), nil
}

func matchParam(id string) func(message.Message) bool {
	return func(msg message.Message) bool {
		pv, ok := msg.(*common.MessageParamValue)
		return ok && strings.TrimRight(pv.ParamId, "\x00") == id
	}
}

func matchAck(cmd common.MAV_CMD) func(message.Message) bool {
	return func(msg message.Message) bool {
		ack, ok := msg.(*common.MessageCommandAck)
		return ok && ack.Command == cmd
	}
}

// command sends a COMMAND_LONG and checks the acknowledgement.
func (m *MAVLink) command(ctx context.Context, cmd common.MAV_CMD, params [7]float32) error {
	s := m.Session()
	reply, err := m.request(ctx, &common.MessageCommandLong{
		TargetSystem:    s.SystemID,
		TargetComponent: s.ComponentID,
		Command:         cmd,
		Param1:          params[0],
		Param2:          params[1],
		Param3:          params[2],
		Param4:          params[3],
		Param5:          params[4],
		Param6:          params[5],
		Param7:          params[6],
	}, matchAck(cmd))
	if err != nil {
		return err
	}
	if res := reply.(*common.MessageCommandAck).Result; res != common.MAV_RESULT_ACCEPTED {
		return fmt.Errorf("command %v rejected: %v", cmd, res)
	}
	return nil
}

func (m *MAVLink) ArmDisarm(ctx context.Context, arm, force bool) error {
	var p [7]float32
	if arm {
		p[0] = 1
	}
	if force {
		p[1] = forceArmMagic
	}
	if err := m.command(ctx, common.MAV_CMD_COMPONENT_ARM_DISARM, p); err != nil {
		return fmt.Errorf("arm=%t: %w", arm, err)
	}
	return nil
}

func (m *MAVLink) SetMode(ctx context.Context, customMode uint32) error {
	s := m.Session()
	// The autopilot answers SET_MODE with a heartbeat, not an ack.
	return m.write(&common.MessageSetMode{
		TargetSystem: s.SystemID,
		BaseMode:     1, // MAV_MODE_FLAG_CUSTOM_MODE_ENABLED
		CustomMode:   customMode,
	})
}

func (m *MAVLink) Reboot(ctx context.Context) error {
	return m.command(ctx, common.MAV_CMD_PREFLIGHT_REBOOT_SHUTDOWN, [7]float32{1})
}

// SetServo is fire-and-forget; the loop sends it at datagram rate.
func (m *MAVLink) SetServo(index, pulseWidth int) error {
	s := m.Session()
	return m.write(&common.MessageCommandLong{
		TargetSystem:    s.SystemID,
		TargetComponent: s.ComponentID,
		Command:         common.MAV_CMD_DO_SET_SERVO,
		Param1:          float32(index),
		Param2:          float32(pulseWidth),
	})
}

func (m *MAVLink) SendHeartbeat() error {
	return m.write(&minimal.MessageHeartbeat{
		Type:           minimal.MAV_TYPE_GCS,
		Autopilot:      minimal.MAV_AUTOPILOT_INVALID,
		MavlinkVersion: 3,
	})
}

func (m *MAVLink) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.writeMu.Lock()
		m.node.Close()
		m.writeMu.Unlock()
	})
	return nil
}
