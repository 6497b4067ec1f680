package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/internal/logging"
	"github.com/meshrelay/internal/models"
	"github.com/meshrelay/internal/mqttclient"
	"github.com/meshrelay/internal/rtdb"
	"github.com/meshrelay/internal/storage"
)

type fakeSubscriber struct {
	topic   string
	handler mqttclient.Handler
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, h mqttclient.Handler) error {
	f.topic = topic
	f.handler = h
	return nil
}

type fakeBus struct {
	mu   sync.Mutex
	keys []string
	data [][]byte
}

func (b *fakeBus) Publish(_ context.Context, key, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, string(key))
	b.data = append(b.data, data)
	return nil
}

func (b *fakeBus) Close() error { return nil }

type failingDB struct{ rtdb.Database }

func (failingDB) Set(context.Context, string, any) error { return errors.New("permission denied") }

func TestRelayWritesAllSinks(t *testing.T) {
	ctx := context.Background()
	db := rtdb.NewMemory()
	store, err := storage.NewUnifiedStorage(t.TempDir(), 100, logging.Discard())
	require.NoError(t, err)
	b := &fakeBus{}
	sub := &fakeSubscriber{}

	s := New(sub, Options{DB: db, Store: store, Bus: b}, logging.Discard())
	require.NoError(t, s.Start(ctx, "data/#", 0))
	assert.Equal(t, "data/#", sub.topic)

	sub.handler("data/70A0", []byte(`{"src":"70A0","time":1660000000,"temperature":26,"seq":4}`))
	s.Stop()

	var got map[string]any
	require.NoError(t, db.Get(ctx, "70A0/1660000000", &got))
	assert.Equal(t, float64(26), got["temperature"])
	assert.NotContains(t, got, "src")

	vals, err := store.Query("70A0", "temperature", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{26}, vals)

	require.Len(t, b.keys, 1)
	assert.Equal(t, "70A0", b.keys[0])
	var r models.Reading
	require.NoError(t, r.UnmarshalJSON(b.data[0]))
	assert.Equal(t, int64(1660000000), r.Time)
}

func TestRelayDropsBadPayloads(t *testing.T) {
	db := rtdb.NewMemory()
	s := New(&fakeSubscriber{}, Options{DB: db}, logging.Discard())
	ctx := context.Background()

	assert.False(t, s.Handle(ctx, "data/x", []byte(`not json`)))
	assert.False(t, s.Handle(ctx, "data/x", []byte(`{"time":1}`)))
	assert.False(t, s.Handle(ctx, "data/x", []byte(`{"src":"A"}`)))

	var root map[string]any
	require.NoError(t, db.Get(ctx, "/", &root))
	assert.Empty(t, root)
}

func TestRelaySinkFailureDoesNotBlockOthers(t *testing.T) {
	b := &fakeBus{}
	s := New(&fakeSubscriber{}, Options{DB: failingDB{}, Bus: b}, logging.Discard())
	assert.True(t, s.Handle(context.Background(), "data/A", []byte(`{"src":"A","time":5,"data":1}`)))
	assert.Len(t, b.keys, 1)
}

func TestRelayIgnoresMessagesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	db := rtdb.NewMemory()
	sub := &fakeSubscriber{}
	s := New(sub, Options{DB: db}, logging.Discard())
	require.NoError(t, s.Start(ctx, "data/#", 1))
	cancel()

	sub.handler("data/A", []byte(`{"src":"A","time":5,"data":1}`))
	var got map[string]any
	require.NoError(t, db.Get(context.Background(), "A/5", &got))
	assert.Nil(t, got)
}

func TestRelayStopDrainsAndRejects(t *testing.T) {
	db := rtdb.NewMemory()
	sub := &fakeSubscriber{}
	s := New(sub, Options{DB: db}, logging.Discard())
	require.NoError(t, s.Start(context.Background(), "data/#", 1))

	var senders sync.WaitGroup
	for i := 0; i < 8; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := 0; j < 50; j++ {
				sub.handler("data/B", []byte(`{"src":"B","time":7,"data":2}`))
			}
		}()
	}
	s.Stop()
	senders.Wait()

	sub.handler("data/C", []byte(`{"src":"C","time":9,"data":3}`))
	var got map[string]any
	require.NoError(t, db.Get(context.Background(), "C/9", &got))
	assert.Nil(t, got)
}
