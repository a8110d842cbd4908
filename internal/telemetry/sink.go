package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Sink delivers one encoded telemetry record.
type Sink interface {
	Send(payload []byte) error
	Close() error
}

// UDPSink sends each record as one datagram.
type UDPSink struct {
	conn net.Conn
}

func NewUDPSink(addr string) (*UDPSink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry socket %s: %w", addr, err)
	}
	return &UDPSink{conn: conn}, nil
}

// Send writes one datagram. Delivery is best effort.
func (s *UDPSink) Send(payload []byte) error {
	_, err := s.conn.Write(payload)
	return err
}

func (s *UDPSink) Close() error {
	return s.conn.Close()
}

// MQTTConfig configures the telemetry mirror.
type MQTTConfig struct {
	Broker   string // host:port
	Topic    string
	QoS      byte
	ClientID string // generated when empty
	// QueueSize bounds the records waiting for the broker. Defaults to 64.
	QueueSize int
}

var (
	errMirrorDown = errors.New("mqtt not connected")
	// ErrMirrorFull is returned when a record is dropped because the broker
	// has not kept up.
	ErrMirrorFull = errors.New("mqtt queue full, record dropped")
)

// MQTTSink mirrors telemetry records to an MQTT topic. Records are queued and
// published from a separate goroutine so a slow broker never stalls the
// caller; a full queue drops the newest record.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    *slog.Logger

	queue chan []byte
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
	dropped   uint64
}

// MQTTStats is a snapshot of mirror counters.
type MQTTStats struct {
	Connected bool
	Published uint64
	Errors    uint64
	Dropped   uint64
}

func NewMQTTSink(cfg MQTTConfig, log *slog.Logger) *MQTTSink {
	if cfg.ClientID == "" {
		cfg.ClientID = "seeker-" + uuid.NewString()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &MQTTSink{
		cfg:   cfg,
		log:   log,
		queue: make(chan []byte, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// Connect establishes the broker connection and starts the publisher.
// Reconnects are automatic afterwards.
func (m *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.setConnected(true)
		m.log.Info("mqtt connection established", "broker", m.cfg.Broker, "client_id", m.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.setConnected(false)
		m.log.Warn("mqtt connection lost, will auto-reconnect", "broker", m.cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.start(client)
	m.setConnected(true)
	return nil
}

func (m *MQTTSink) start(client mqtt.Client) {
	m.client = client
	m.wg.Add(1)
	go m.publish()
}

// publish drains the queue. It is the only goroutine that waits on the broker.
func (m *MQTTSink) publish() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case payload := <-m.queue:
			token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, false, payload)
			if !token.WaitTimeout(2 * time.Second) {
				m.countError()
				m.log.Debug("mqtt publish timeout", "topic", m.cfg.Topic)
				continue
			}
			if err := token.Error(); err != nil {
				m.countError()
				m.log.Debug("mqtt publish failed", "topic", m.cfg.Topic, "error", err)
				continue
			}
			m.mu.Lock()
			m.published++
			m.mu.Unlock()
		}
	}
}

// Send queues one record. The payload is copied, so the caller may reuse it.
// Send never waits on the broker.
func (m *MQTTSink) Send(payload []byte) error {
	if !m.isConnected() {
		m.countError()
		return errMirrorDown
	}
	select {
	case m.queue <- append([]byte(nil), payload...):
		return nil
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		return ErrMirrorFull
	}
}

// Close stops the publisher and disconnects. Queued records are abandoned.
func (m *MQTTSink) Close() error {
	m.once.Do(func() {
		m.setConnected(false)
		close(m.done)
		m.wg.Wait()
		if m.client != nil && m.client.IsConnected() {
			m.client.Disconnect(250) // 250ms grace period
		}
	})
	return nil
}

func (m *MQTTSink) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MQTTStats{Connected: m.connected, Published: m.published, Errors: m.errors, Dropped: m.dropped}
}

func (m *MQTTSink) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTTSink) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTTSink) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
