// Package bus forwards readings over a message bus (Kafka or Google Cloud
// Pub/Sub) and consumes trigger messages from it.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meshrelay/internal/breaker"
	"github.com/meshrelay/internal/config"
	"github.com/meshrelay/internal/metrics"
)

type Message struct {
	Key        []byte
	Data       []byte
	Attributes map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, key, data []byte) error
	Close() error
}

// Subscriber delivers messages to fn until ctx is done. A handler error
// nacks the message (Pub/Sub) or leaves its offset uncommitted (Kafka).
type Subscriber interface {
	Receive(ctx context.Context, fn func(ctx context.Context, m Message) error) error
	Close() error
}

// Guarded wraps a Publisher with a circuit breaker guard.
type Guarded struct {
	inner Publisher
	guard *breaker.Guard
	sink  string
}

func NewGuarded(inner Publisher, guard *breaker.Guard, sink string) *Guarded {
	return &Guarded{inner: inner, guard: guard, sink: sink}
}

func (g *Guarded) Publish(ctx context.Context, key, data []byte) error {
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		return g.inner.Publish(ctx, key, data)
	})
	metrics.Written(g.sink, err)
	return err
}

func (g *Guarded) Close() error { return g.inner.Close() }

// NewPublisher builds the publisher selected by cfg.Kind, wrapped in a
// breaker configured from the environment. It returns nil when no bus is
// configured.
func NewPublisher(ctx context.Context, cfg config.Bus, logger *slog.Logger) (Publisher, error) {
	var (
		p   Publisher
		err error
	)
	switch cfg.Kind {
	case "":
		return nil, nil
	case "kafka":
		p = NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	case "pubsub":
		p, err = DialPubSubPublisher(ctx, cfg.Project, cfg.Topic, cfg.Credentials)
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	guard, err := breaker.FromEnv("bus-"+cfg.Kind, logger, nil)
	if err != nil {
		p.Close()
		return nil, err
	}
	return NewGuarded(p, guard, "bus"), nil
}

// NewSubscriber builds the subscriber selected by cfg.Kind. For Pub/Sub the
// subscription id is sub; for Kafka it is used as the consumer group.
func NewSubscriber(ctx context.Context, cfg config.Bus, sub string, logger *slog.Logger) (Subscriber, error) {
	switch cfg.Kind {
	case "kafka":
		group := sub
		if group == "" {
			group = cfg.GroupID
		}
		return NewKafkaSubscriber(cfg.Brokers, cfg.Topic, group, logger), nil
	case "pubsub", "":
		if sub == "" {
			sub = cfg.Subscription
		}
		return DialPubSubSubscriber(ctx, cfg.Project, sub, cfg.Credentials)
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}
