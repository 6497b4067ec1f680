package mqttclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/internal/logging"
)

// refusingBroker accepts TCP connections and drops them before any MQTT
// handshake.
func refusingBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return "tcp://" + ln.Addr().String()
}

func connectWithin(t *testing.T, limit time.Duration, opts Options) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		c, err := New(opts)
		if c != nil {
			c.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("New did not return within %s", limit)
		return nil
	}
}

func TestNewFailsFastWithoutConnectRetry(t *testing.T) {
	err := connectWithin(t, 5*time.Second, Options{
		BrokerURL:      refusingBroker(t),
		ClientID:       "fail-fast",
		NoReconnect:    true,
		NoConnectRetry: true,
		ConnectTimeout: 2 * time.Second,
		Logger:         logging.Discard(),
	})
	assert.Error(t, err)
}

func TestNewGivesUpAfterConnectTimeout(t *testing.T) {
	err := connectWithin(t, 5*time.Second, Options{
		BrokerURL:      refusingBroker(t),
		ClientID:       "retrying",
		ConnectTimeout: 500 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	assert.ErrorIs(t, err, ErrConnectTimeout)
}
