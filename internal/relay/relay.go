// Package relay moves readings published on MQTT into the realtime
// database, the local recent-readings store and, optionally, the bus.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/meshrelay/internal/breaker"
	"github.com/meshrelay/internal/bus"
	"github.com/meshrelay/internal/metrics"
	"github.com/meshrelay/internal/models"
	"github.com/meshrelay/internal/mqttclient"
	"github.com/meshrelay/internal/rtdb"
	"github.com/meshrelay/internal/storage"
)

const component = "relay"

// Service fans every parsed reading out to its sinks. Any sink may be nil.
type Service struct {
	sub    mqttclient.Subscriber
	db     rtdb.Database
	guard  *breaker.Guard
	store  storage.Storage
	bus    bus.Publisher
	logger *slog.Logger

	ctx context.Context

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

type Options struct {
	DB    rtdb.Database
	Guard *breaker.Guard
	Store storage.Storage
	Bus   bus.Publisher
}

func New(sub mqttclient.Subscriber, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sub:    sub,
		db:     opts.DB,
		guard:  opts.Guard,
		store:  opts.Store,
		bus:    opts.Bus,
		logger: logger.With("component", component),
		ctx:    context.Background(),
	}
}

// Start subscribes to topic. Messages are handled on the MQTT client's
// callback goroutine until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context, topic string, qos byte) error {
	s.ctx = ctx
	s.logger.Info("subscribing", "topic", topic)
	if err := s.sub.Subscribe(topic, qos, s.handle); err != nil {
		return err
	}
	s.logger.Info("relay started", "topic", topic)
	return nil
}

// Stop makes the service drop further messages and returns once in-flight
// handlers finish.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) handle(topic string, payload []byte) {
	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.Handle(s.ctx, topic, payload)
}

// Handle processes one message and reports whether it parsed. Sink errors
// are logged and counted; one failing sink does not stop the others.
func (s *Service) Handle(ctx context.Context, topic string, payload []byte) bool {
	metrics.MessagesReceived.WithLabelValues(component).Inc()
	r, err := models.ParseReading(payload)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(component).Inc()
		s.logger.Warn("dropping payload", "topic", topic, "err", err, "payload", string(payload))
		return false
	}
	log := s.logger.With("src", r.Src, "time", r.Time)

	if s.db != nil {
		err := s.guard.Do(ctx, func(ctx context.Context) error {
			return s.db.Set(ctx, r.Path(), r.Payload())
		})
		metrics.Written("rtdb", err)
		if err != nil {
			log.Error("database write failed", "path", r.Path(), "err", err)
		} else {
			log.Debug("stored", "path", r.Path())
		}
	}

	if s.store != nil {
		err := s.store.Persist(r)
		metrics.Written("storage", err)
		if err != nil {
			log.Error("local store failed", "err", err)
		}
	}

	if s.bus != nil {
		if err := s.publish(ctx, r); err != nil {
			log.Error("bus publish failed", "err", err)
		}
	}

	for _, f := range r.NumericFields() {
		v, _ := r.Number(f)
		metrics.ObserveReading(r.Src, f, v)
	}
	return true
}

func (s *Service) publish(ctx context.Context, r models.Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, []byte(r.Src), data)
}
