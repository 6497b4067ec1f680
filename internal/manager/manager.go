// Package manager implements the device manager: it remembers the cloud
// project a fleet lives in, queues downlink messages per type and delivers
// them over the MQTT bridge when a trigger arrives on a subscription.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshrelay/internal/bus"
	"github.com/meshrelay/internal/iotcore"
	"github.com/meshrelay/internal/mqttclient"
)

const (
	TypeConfig  = "config"
	TypeCommand = "command"
)

var (
	ErrNotConfigured = errors.New("manager: run setup first")
	ErrBadType       = errors.New("manager: type must be config or command")
)

// Pending is a queued downlink.
type Pending struct {
	Device  string `yaml:"device"`
	Payload string `yaml:"payload"`
}

// State is what setup and downlink leave behind between invocations.
type State struct {
	Project     string `yaml:"project_id"`
	Region      string `yaml:"cloud_region"`
	Registry    string `yaml:"registry_id"`
	Algorithm   string `yaml:"ssl_algo"`
	PrivateKey  string `yaml:"ssl_file_path"`
	Credentials string `yaml:"google_app_cred"`
	RootCA      string `yaml:"root_ca,omitempty"`
	Broker      string `yaml:"bridge,omitempty"`

	Queue map[string]Pending `yaml:"queue,omitempty"`
}

func (s State) Configured() bool {
	return s.Project != "" && s.Region != "" && s.Registry != "" && s.PrivateKey != ""
}

// Conn is a connection to the bridge for one device.
type Conn interface {
	mqttclient.Publisher
	Close()
}

type (
	dialFunc      func(opts mqttclient.Options) (Conn, error)
	subscribeFunc func(ctx context.Context, project, subID, credsFile string) (bus.Subscriber, error)
)

type Manager struct {
	path   string
	logger *slog.Logger
	out    io.Writer

	dial      dialFunc
	subscribe subscribeFunc
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// New loads the state kept at path, if any.
func New(path string, out io.Writer, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:   path,
		logger: logger.With("component", "manager"),
		out:    out,
		dial: func(opts mqttclient.Options) (Conn, error) {
			return mqttclient.New(opts)
		},
		subscribe: func(ctx context.Context, project, subID, credsFile string) (bus.Subscriber, error) {
			return bus.DialPubSubSubscriber(ctx, project, subID, credsFile)
		},
		now: time.Now,
	}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("manager: read state: %w", err)
	default:
		if err := yaml.Unmarshal(b, &m.state); err != nil {
			return nil, fmt.Errorf("manager: decode state %s: %w", path, err)
		}
	}
	if m.state.Queue == nil {
		m.state.Queue = map[string]Pending{}
	}
	return m, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.Queue = make(map[string]Pending, len(m.state.Queue))
	for k, v := range m.state.Queue {
		st.Queue[k] = v
	}
	return st
}

// save writes the state atomically. Callers hold mu.
func (m *Manager) save() error {
	b, err := yaml.Marshal(m.state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("manager: save state: %w", err)
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("manager: save state: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// Setup records the project settings, keeping the queue.
func (m *Manager) Setup(s State) error {
	switch s.Algorithm {
	case "ES256", "RS256":
	default:
		return fmt.Errorf("manager: unsupported ssl algorithm %q", s.Algorithm)
	}
	if !s.Configured() {
		return errors.New("manager: setup needs project, region, registry and key file")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Queue = m.state.Queue
	m.state = s
	if err := m.save(); err != nil {
		return err
	}
	m.logger.Info("setup saved", "project", s.Project, "region", s.Region, "registry", s.Registry)
	return nil
}

// Downlink queues payload for device, replacing any pending message of the
// same type.
func (m *Manager) Downlink(device, typ string, payload []byte) error {
	if typ != TypeConfig && typ != TypeCommand {
		return ErrBadType
	}
	if device == "" {
		return errors.New("manager: device id required")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return fmt.Errorf("manager: payload is not JSON: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.state.Queue[typ]; ok {
		m.logger.Info("replacing queued message", "type", typ, "device", old.Device)
	}
	m.state.Queue[typ] = Pending{Device: device, Payload: buf.String()}
	return m.save()
}

// Flush publishes every queued message to its device's events topic at
// QoS 1. Messages that fail stay queued. It returns how many were sent.
func (m *Manager) Flush(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Configured() {
		return 0, ErrNotConfigured
	}
	types := make([]string, 0, len(m.state.Queue))
	for typ := range m.state.Queue {
		types = append(types, typ)
	}
	sort.Strings(types)

	conns := map[string]Conn{}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	sent := 0
	var errs []error
	for _, typ := range types {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		p := m.state.Queue[typ]
		conn, ok := conns[p.Device]
		if !ok {
			var err error
			conn, err = m.connect(p.Device)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			conns[p.Device] = conn
		}
		topic := iotcore.EventsTopic(p.Device, typ)
		if err := conn.Publish(topic, []byte(p.Payload), 1, false); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
			continue
		}
		fmt.Fprintf(m.out, "Published to topic %s\n", topic)
		m.logger.Info("downlink sent", "topic", topic)
		delete(m.state.Queue, typ)
		sent++
	}
	if sent > 0 {
		errs = append(errs, m.save())
	}
	return sent, errors.Join(errs...)
}

func (m *Manager) connect(device string) (Conn, error) {
	b := iotcore.Bridge{
		Broker: m.state.Broker,
		Device: iotcore.Device{
			Project:  m.state.Project,
			Region:   m.state.Region,
			Registry: m.state.Registry,
			ID:       device,
		},
		PrivateKey: m.state.PrivateKey,
		Algorithm:  m.state.Algorithm,
		RootCA:     m.state.RootCA,
	}
	opts, err := b.Options(m.now(), m.logger)
	if err != nil {
		return nil, err
	}
	return m.dial(opts)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (m *Manager) receive(ctx context.Context, subID string, timeout time.Duration, fn func(ctx context.Context, msg bus.Message) error) error {
	st := m.State()
	if !st.Configured() {
		return ErrNotConfigured
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	sub, err := m.subscribe(ctx, st.Project, subID, st.Credentials)
	if err != nil {
		return err
	}
	defer sub.Close()
	fmt.Fprintf(m.out, "Listening for messages on projects/%s/subscriptions/%s..\n", st.Project, subID)
	err = sub.Receive(ctx, fn)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// SetTrigger waits on subID and flushes the queue for every trigger
// message. A trigger is acked only when the flush succeeds.
func (m *Manager) SetTrigger(ctx context.Context, subID string, timeout time.Duration) error {
	return m.receive(ctx, subID, timeout, func(ctx context.Context, msg bus.Message) error {
		fmt.Fprintf(m.out, "Received trigger %s.\n", msg.Data)
		n, err := m.Flush(ctx)
		m.logger.Info("trigger handled", "sent", n, "err", err)
		return err
	})
}

// Listen prints and acks every message on subID.
func (m *Manager) Listen(ctx context.Context, subID string, timeout time.Duration) error {
	return m.receive(ctx, subID, timeout, func(_ context.Context, msg bus.Message) error {
		fmt.Fprintf(m.out, "Received %s %v.\n", msg.Data, msg.Attributes)
		return nil
	})
}

// Show prints the state and queue.
func (m *Manager) Show(w io.Writer) error {
	return yaml.NewEncoder(w).Encode(m.State())
}
