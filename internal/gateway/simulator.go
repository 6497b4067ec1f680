package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/meshrelay/internal/models"
	"github.com/meshrelay/internal/mqttclient"
)

// Simulator publishes random readings for a fixed set of sources.
type Simulator struct {
	gw       *Gateway
	sources  []string
	interval time.Duration
	rnd      *rand.Rand
}

func NewSimulator(gw *Gateway, sources []string, interval time.Duration, seed int64) *Simulator {
	return &Simulator{
		gw:       gw,
		sources:  sources,
		interval: interval,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

// Next builds the next synthetic reading.
func (s *Simulator) Next(now time.Time) models.Reading {
	src := s.sources[s.rnd.Intn(len(s.sources))]
	return models.Reading{
		Src:  src,
		Time: now.Unix(),
		Fields: map[string]any{
			"temperature": int64(18 + s.rnd.Intn(12)),
			"humidity":    int64(40 + s.rnd.Intn(40)),
			"rainfall":    int64(s.rnd.Intn(6)),
		},
	}
}

func (s *Simulator) Run(ctx context.Context) error {
	if len(s.sources) == 0 {
		return fmt.Errorf("simulator needs at least one source")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		r := s.Next(s.gw.now())
		if err := s.gw.PublishReading(r); err != nil {
			s.gw.logger.Error("publish simulated reading", "src", r.Src, "err", err)
		} else {
			s.gw.logger.Info("published simulated reading", "src", r.Src, "time", r.Time)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// AlivePayload is the heartbeat body a device sends to the cloud bridge.
func AlivePayload(deviceID string, i int) []byte {
	b, _ := json.Marshal(struct {
		IsLive      bool   `json:"isLive"`
		DeviceID    string `json:"deviceId"`
		Temperature int    `json:"temperature"`
		Pressure    int    `json:"pressure"`
		Humidity    int    `json:"humidity"`
	}{true, deviceID, i, i, i})
	return b
}

// Heartbeat publishes Count alive events (forever when Count is 0) to Topic.
type Heartbeat struct {
	Pub      mqttclient.Publisher
	Topic    string
	DeviceID string
	Interval time.Duration
	Count    int
	Logger   *slog.Logger
}

func (h *Heartbeat) Run(ctx context.Context) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for i := 1; h.Count == 0 || i <= h.Count; i++ {
		payload := AlivePayload(h.DeviceID, i)
		if err := h.Pub.Publish(h.Topic, payload, 1, false); err != nil {
			return fmt.Errorf("heartbeat %d: %w", i, err)
		}
		logger.Info("heartbeat sent", "topic", h.Topic, "n", i)
		if h.Count != 0 && i == h.Count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.Interval):
		}
	}
	return nil
}
