package manager

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/internal/bus"
	"github.com/meshrelay/internal/logging"
	"github.com/meshrelay/internal/mqttclient"
)

type sent struct {
	clientID string
	topic    string
	payload  string
	qos      byte
}

type fakeBridge struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

type fakeConn struct {
	b        *fakeBridge
	clientID string
}

func (c *fakeConn) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.b.fail[topic] {
		return errors.New("not authorized")
	}
	c.b.sent = append(c.b.sent, sent{c.clientID, topic, string(payload), qos})
	return nil
}

func (c *fakeConn) Close() {}

func (b *fakeBridge) dial(opts mqttclient.Options) (Conn, error) {
	if opts.Username != "unused" || opts.Password == "" {
		return nil, errors.New("bad credentials")
	}
	return &fakeConn{b: b, clientID: opts.ClientID}, nil
}

type fakeSub struct {
	msgs []bus.Message
	errs []error
}

func (s *fakeSub) Receive(ctx context.Context, fn func(context.Context, bus.Message) error) error {
	for _, m := range s.msgs {
		s.errs = append(s.errs, fn(ctx, m))
	}
	return nil
}

func (s *fakeSub) Close() error { return nil }

func keyFile(t *testing.T, dir string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	p := filepath.Join(dir, "ec_private.pem")
	require.NoError(t, os.WriteFile(p, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600))
	return p
}

func newTestManager(t *testing.T, dir string) (*Manager, *fakeBridge, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	m, err := New(filepath.Join(dir, "state.yaml"), out, logging.Discard())
	require.NoError(t, err)
	b := &fakeBridge{fail: map[string]bool{}}
	m.dial = b.dial
	return m, b, out
}

func setup(t *testing.T, m *Manager, dir string) {
	t.Helper()
	require.NoError(t, m.Setup(State{
		Project:    "primeval-yew",
		Region:     "us-central1",
		Registry:   "gateway_registry",
		Algorithm:  "ES256",
		PrivateKey: keyFile(t, dir),
	}))
}

func TestFlushRequiresSetup(t *testing.T) {
	m, _, _ := newTestManager(t, t.TempDir())
	require.NoError(t, m.Downlink("ESP32_1", TypeConfig, []byte(`{"rate": 10}`)))
	_, err := m.Flush(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, m.SetTrigger(context.Background(), "sub", 0), ErrNotConfigured)
}

func TestDownlinkValidation(t *testing.T) {
	m, _, _ := newTestManager(t, t.TempDir())
	assert.ErrorIs(t, m.Downlink("d", "state", []byte(`{}`)), ErrBadType)
	assert.Error(t, m.Downlink("d", TypeCommand, []byte(`{`)))
	assert.Error(t, m.Downlink("", TypeCommand, []byte(`{}`)))
	assert.Error(t, m.Setup(State{Project: "p", Region: "r", Registry: "g", PrivateKey: "k", Algorithm: "HS256"}))
}

func TestQueueReplacesAndFlushes(t *testing.T) {
	dir := t.TempDir()
	m, b, _ := newTestManager(t, dir)
	setup(t, m, dir)

	require.NoError(t, m.Downlink("ESP32_1", TypeConfig, []byte(`{"rate": 10}`)))
	require.NoError(t, m.Downlink("ESP32_1", TypeConfig, []byte(`{"rate": 20}`)))
	require.NoError(t, m.Downlink("ESP32_2", TypeCommand, []byte(`{"reboot": true}`)))

	// state survives a restart
	m2, _, _ := newTestManager(t, dir)
	m2.dial = b.dial
	st := m2.State()
	assert.Equal(t, "primeval-yew", st.Project)
	require.Len(t, st.Queue, 2)
	assert.Equal(t, `{"rate":20}`, st.Queue[TypeConfig].Payload)

	n, err := m2.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, m2.State().Queue)
	assert.Equal(t, []sent{
		{"projects/primeval-yew/locations/us-central1/registries/gateway_registry/devices/ESP32_2", "/devices/ESP32_2/events/command", `{"reboot":true}`, 1},
		{"projects/primeval-yew/locations/us-central1/registries/gateway_registry/devices/ESP32_1", "/devices/ESP32_1/events/config", `{"rate":20}`, 1},
	}, b.sent)
}

func TestFailedPublishStaysQueued(t *testing.T) {
	dir := t.TempDir()
	m, b, _ := newTestManager(t, dir)
	setup(t, m, dir)
	b.fail["/devices/d/events/command"] = true

	require.NoError(t, m.Downlink("d", TypeCommand, []byte(`{"x":1}`)))
	require.NoError(t, m.Downlink("d", TypeConfig, []byte(`{"y":2}`)))
	n, err := m.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, m.State().Queue, TypeCommand)
	assert.NotContains(t, m.State().Queue, TypeConfig)
}

func TestSetTriggerFlushesPerMessage(t *testing.T) {
	dir := t.TempDir()
	m, b, out := newTestManager(t, dir)
	setup(t, m, dir)
	require.NoError(t, m.Downlink("d", TypeCommand, []byte(`{"x":1}`)))

	sub := &fakeSub{msgs: []bus.Message{{Data: []byte("go")}, {Data: []byte("again")}}}
	var gotProject, gotSub string
	m.subscribe = func(_ context.Context, project, subID, _ string) (bus.Subscriber, error) {
		gotProject, gotSub = project, subID
		return sub, nil
	}

	require.NoError(t, m.SetTrigger(context.Background(), "trigger_pull", 0))
	assert.Equal(t, "primeval-yew", gotProject)
	assert.Equal(t, "trigger_pull", gotSub)
	assert.Len(t, b.sent, 1)
	assert.Equal(t, []error{nil, nil}, sub.errs)
	assert.Contains(t, out.String(), "Published to topic /devices/d/events/command")
}

func TestREPL(t *testing.T) {
	dir := t.TempDir()
	m, b, out := newTestManager(t, dir)
	key := keyFile(t, dir)
	msg := filepath.Join(dir, "cmd.json")
	require.NoError(t, os.WriteFile(msg, []byte(`{"led": "on"}`), 0o644))

	script := strings.Join([]string{
		"",
		"bogus",
		"flush",
		"setup -cloud_region us-central1 -project_id p -registry_id r -ssl_file_path " + key,
		"downlink -device_id ESP32_1 -type command -file " + msg,
		"show",
		"flush",
		"quit",
		"show",
	}, "\n")
	require.NoError(t, m.Run(context.Background(), strings.NewReader(script)))

	text := out.String()
	assert.Contains(t, text, `error: unknown command "bogus"`)
	assert.Contains(t, text, "error: "+ErrNotConfigured.Error())
	assert.Contains(t, text, "Queued command for ESP32_1")
	assert.Contains(t, text, "project_id: p")
	assert.Contains(t, text, "Sent 1 queued message(s)")
	assert.Equal(t, 1, strings.Count(text, "project_id: p"))
	require.Len(t, b.sent, 1)
	assert.Equal(t, `{"led":"on"}`, b.sent[0].payload)
}
